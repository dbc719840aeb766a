package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/events"
	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/store"
)

// Relay forwards locally broadcast payloads to other server instances.
type Relay interface {
	Publish(ctx context.Context, chatID int64, payload []byte) error
}

// Options are the collaborators of a Server. Store and Verifier are required.
type Options struct {
	Store    store.Gateway
	Verifier auth.Verifier
	Relay    Relay
	Events   events.Publisher
	Logger   *slog.Logger
	// Registry receives the server's metrics and backs /metrics. A private
	// registry is used when nil.
	Registry *prometheus.Registry
}

// Server ties the chat core together: it authenticates sessions, persists
// their messages and fans them out through the hub.
type Server struct {
	store    store.Gateway
	verifier auth.Verifier
	relay    Relay
	events   events.Publisher
	log      *slog.Logger

	hub      *Hub
	registry *prometheus.Registry
	metrics  *metrics
	upgrader websocket.Upgrader
}

// New builds a server from the active configuration.
func New(opts Options) *Server {
	cfg := CurrentConfig()

	s := &Server{
		store:    opts.Store,
		verifier: opts.Verifier,
		relay:    opts.Relay,
		events:   opts.Events,
		log:      opts.Logger,
		registry: opts.Registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	var hub *Hub
	s.metrics = newMetrics(s.registry, func() float64 {
		return float64(hub.registry.ChatCount())
	})
	hub = newHub(cfg.RegistryShards, s.metrics, s.log)
	s.hub = hub
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// publish broadcasts a persisted message locally, then hands it to the relay
// and the event stream. It returns the number of local deliveries.
func (s *Server) publish(ctx context.Context, msg *membership.Message) int {
	payload, err := json.Marshal(OutboundMessage{
		Time:    msg.CreatedAt.Format(outboundTimeLayout),
		ChatID:  msg.ChatID,
		UserID:  msg.OwnerID,
		Message: msg.Content,
		Type:    string(msg.Kind),
	})
	if err != nil {
		s.log.Error("encoding broadcast", "error", err)
		return 0
	}

	delivered := s.hub.Broadcast(payload, msg.ChatID)

	if s.relay != nil {
		if err := s.relay.Publish(ctx, msg.ChatID, payload); err != nil {
			s.log.Warn("relaying broadcast", "chat_id", msg.ChatID, "error", err)
		}
	}
	err = s.events.PublishMessage(ctx, events.MessageEvent{
		Type:      events.TypeMessageCreated,
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		UserID:    msg.OwnerID,
		Kind:      string(msg.Kind),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		s.log.Warn("publishing message event", "message_id", msg.ID, "error", err)
	}
	return delivered
}

// DeliverRelayed broadcasts a payload that another instance already persisted.
func (s *Server) DeliverRelayed(chatID int64, payload []byte) {
	s.hub.Broadcast(payload, chatID)
}

// Shutdown closes every stream and waits for the pumps to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
