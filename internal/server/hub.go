package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrHubClosed is returned by Register once shutdown has started.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub owns the connection registry and fans broadcasts out to it. It starts
// the pumps of every registered client and waits for them on shutdown.
type Hub struct {
	registry *Registry[*Client]
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	metrics  *metrics
	log      *slog.Logger

	// mu orders registrations against Shutdown.
	mu      sync.Mutex
	closing bool
}

func newHub(shards int, m *metrics, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: NewRegistry[*Client](shards),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  m,
		log:      log,
	}
}

// Registry exposes the connection registry for inspection.
func (h *Hub) Registry() *Registry[*Client] {
	return h.registry
}

// Register subscribes the client to its chat and launches its pumps.
func (h *Hub) Register(client *Client) error {
	if client == nil {
		return errors.New("nil client")
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.registry.Subscribe(client.chatID, client)
	client.setState(StateStreaming)
	h.metrics.connections.Inc()
	h.wg.Add(2)
	h.mu.Unlock()

	client.log.Info("session streaming")
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return nil
}

// Unregister removes the client from its chat and stops its writer. Calling
// it more than once is harmless.
func (h *Hub) Unregister(client *Client) {
	if h.registry.Unsubscribe(client.chatID, client) {
		h.metrics.connections.Dec()
		client.log.Info("session closed")
	}
	client.closeWith(websocket.CloseNormalClosure, "")
}

// safeSend queues message for client without blocking. It reports false only
// when the client's buffer is full; inactive clients are skipped silently.
func (h *Hub) safeSend(client *Client, message []byte) (delivered, ok bool) {
	switch client.enqueue(message) {
	case sendQueued:
		return true, true
	case sendOverflow:
		return false, false
	default:
		return false, true
	}
}

// Broadcast queues payload on every live connection of each chat and returns
// the number of connections it was queued on. Connections whose buffer is
// full are evicted.
func (h *Hub) Broadcast(payload []byte, chatIDs ...int64) int {
	delivered := 0
	var failed []*Client

	for _, chatID := range chatIDs {
		for _, client := range h.registry.ConnectionsFor(chatID) {
			sent, ok := h.safeSend(client, payload)
			if sent {
				delivered++
			}
			if !ok {
				failed = append(failed, client)
			}
		}
	}

	h.metrics.deliveries.Add(float64(delivered))
	h.removeFailedClients(failed)
	return delivered
}

// removeFailedClients evicts clients that could not keep up.
func (h *Hub) removeFailedClients(clients []*Client) {
	for _, client := range clients {
		if h.registry.Unsubscribe(client.chatID, client) {
			h.metrics.connections.Dec()
			h.metrics.evictions.Inc()
			client.log.Warn("session evicted due to full send buffer")
		}
		client.closeWith(websocket.ClosePolicyViolation, "send buffer full")
	}
}

// CloseChat ends every stream of chatID with the given close frame and
// returns how many were closed.
func (h *Hub) CloseChat(chatID int64, code int, reason string) int {
	clients := h.registry.ConnectionsFor(chatID)
	for _, client := range clients {
		if h.registry.Unsubscribe(chatID, client) {
			h.metrics.connections.Dec()
		}
		client.closeWith(code, reason)
	}
	return len(clients)
}

// Shutdown closes every live connection and waits for all pumps to finish,
// or until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()

	clients := h.registry.All()
	for _, client := range clients {
		if h.registry.Unsubscribe(client.chatID, client) {
			h.metrics.connections.Dec()
		}
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.log.Info("closed client connections", "count", len(clients))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some pumps may still be running")
		return context.DeadlineExceeded
	}
}
