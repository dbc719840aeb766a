package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/observability"
	"github.com/Tyrowin/groupchat/internal/store"
)

// tokenQueryParam lets browsers, which cannot set headers on a websocket
// handshake, pass the bearer token.
const tokenQueryParam = "access_token"

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func requestToken(r *http.Request) string {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get(tokenQueryParam)
}

// ChatStreamHandler runs the session handshake for GET /chats/{chatId}: it
// authenticates the caller, resolves the chat and only then registers the
// connection. A failed check completes the upgrade solely to deliver the
// close code, and nothing is registered.
func (s *Server) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(r, "chatId")
	if !ok {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	log := observability.LoggerFromContext(r.Context()).With(
		"session_id", uuid.NewString(),
		"chat_id", chatID,
		"remote_addr", r.RemoteAddr,
	)
	state := StateConnecting

	token := requestToken(r)
	if token == "" {
		s.reject(w, r, log, state, CloseInvalidToken, "Invalid token")
		return
	}

	state = StateAuthenticating
	userID, err := s.verifier.Verify(token)
	if err != nil {
		log.Info("credential rejected", "error", err)
		s.reject(w, r, log, state, CloseNotAuthenticated, "Not authenticated")
		return
	}
	log = log.With("user_id", userID)

	state = StateAuthorized
	chat, err := s.store.FindChatMembers(r.Context(), chatID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.reject(w, r, log, state, CloseChatNotFound, "Chat not found")
		return
	case err != nil:
		log.Error("looking up chat", "error", err)
		s.reject(w, r, log, state, websocket.CloseInternalServerErr, "chat lookup failed")
		return
	}
	if CurrentConfig().StrictMembership && !chat.IsParticipant(userID) {
		s.reject(w, r, log, state, CloseForbidden, "Forbidden")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, chatID, userID, r.RemoteAddr, log)
	if err := s.hub.Register(client); err != nil {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
}

// reject upgrades the connection, sends a close frame and drops it.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, log *slog.Logger, state SessionState, code int, reason string) {
	s.metrics.rejected(code)
	log.Info("session rejected", "state", state.String(), "close_code", code, "reason", reason)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	writeClose(conn, code, reason)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(CurrentConfig().KeepAlive.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GroupChat server is running!")
}

// TestPageHandler serves a small browser page to join a chat stream and send
// messages by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		slog.Warn("writing test page", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GroupChat Stream Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GroupChat Stream Test</h1>
    <div>
        <input type="text" id="token" placeholder="Bearer token" size="40">
        <input type="text" id="chatId" placeholder="Chat id" size="6">
        <input type="text" id="userId" placeholder="User id" size="6">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." size="50" disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        const el = (id) => document.getElementById(id);

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            el('messages').appendChild(line);
            el('messages').scrollTop = el('messages').scrollHeight;
        }

        function updateStatus(connected) {
            el('status').textContent = connected ? 'Connected' : 'Disconnected';
            el('status').className = 'status ' + (connected ? 'connected' : 'disconnected');
            el('messageInput').disabled = !connected;
            el('sendButton').disabled = !connected;
            el('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const url = scheme + location.host + '/api/v1/chats/' + encodeURIComponent(el('chatId').value) +
                '?access_token=' + encodeURIComponent(el('token').value);
            ws = new WebSocket(url);
            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (event) => {
                const data = JSON.parse(event.data);
                if (data.error) {
                    addLine('Notice: ' + data.error, 'red');
                } else {
                    addLine('[' + data.time + '] ' + data.userId + ': ' + data.message, 'green');
                }
            };
            ws.onclose = (event) => { addLine('Closed (' + event.code + ' ' + event.reason + ')'); updateStatus(false); ws = null; };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = el('messageInput').value.trim();
            if (content && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'text', userId: Number(el('userId').value), content: content }));
                el('messageInput').value = '';
            }
        }

        el('messageInput').addEventListener('keypress', (e) => { if (e.key === 'Enter') { sendMessage(); } });
    </script>
</body>
</html>`
