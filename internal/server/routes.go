package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Tyrowin/groupchat/internal/observability"
)

func isUpgrade(r *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// rest wraps a REST handler with authentication and a trace span.
func (s *Server) rest(operation string, h http.HandlerFunc) http.Handler {
	return otelhttp.NewHandler(s.authenticate(h), operation)
}

// SetupRoutes returns the router serving health checks, metrics, the chat
// streams and the REST management surface.
func (s *Server) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(observability.RequestID)

	r.HandleFunc("/", HealthHandler)
	r.HandleFunc("/healthz", HealthHandler)
	r.HandleFunc("/test", TestPageHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	const chatPath = "/chats/{chatId:[0-9]+}"

	// The stream shares its path with the REST read of a chat; the upgrade
	// header decides.
	r.HandleFunc(chatPath, s.ChatStreamHandler).Methods(http.MethodGet).MatcherFunc(isUpgrade)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc(chatPath, s.ChatStreamHandler).Methods(http.MethodGet).MatcherFunc(isUpgrade)

	api.Handle("/chats", s.rest("listChats", s.listChats)).Methods(http.MethodGet)
	api.Handle("/chats", s.rest("createChat", s.createChat)).Methods(http.MethodPost)
	api.Handle(chatPath, s.rest("getChat", s.getChat)).Methods(http.MethodGet)
	api.Handle(chatPath, s.rest("updateChat", s.updateChat)).Methods(http.MethodPut, http.MethodPatch)
	api.Handle(chatPath, s.rest("deleteChat", s.deleteChat)).Methods(http.MethodDelete)

	api.Handle(chatPath+"/participants",
		s.rest("addParticipants", s.membershipHandler("participants", s.store.AddParticipants))).Methods(http.MethodPost)
	api.Handle(chatPath+"/participants",
		s.rest("removeParticipants", s.membershipHandler("participants", s.store.RemoveParticipants))).Methods(http.MethodDelete)
	api.Handle(chatPath+"/admins",
		s.rest("addAdmins", s.membershipHandler("admins", s.store.AddAdmins))).Methods(http.MethodPost)
	api.Handle(chatPath+"/admins",
		s.rest("removeAdmins", s.membershipHandler("admins", s.store.RemoveAdmins))).Methods(http.MethodDelete)

	api.Handle(chatPath+"/messages", s.rest("listMessages", s.listMessages)).Methods(http.MethodGet)
	api.Handle(chatPath+"/messages/{messageId:[0-9]+}/read", s.rest("markRead", s.markRead)).Methods(http.MethodPost)

	api.Handle("/users/{userId:[0-9]+}", s.rest("putUser", s.putUser)).Methods(http.MethodPut)
	api.Handle("/users/{userId:[0-9]+}", s.rest("deleteUser", s.deleteUser)).Methods(http.MethodDelete)

	return r
}
