package server_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/store"
	"github.com/Tyrowin/groupchat/internal/store/memory"
	"github.com/Tyrowin/groupchat/internal/testhelpers"
)

// testEnv is a running server backed by the memory store.
type testEnv struct {
	t        *testing.T
	store    *memory.Store
	loads    *historyLoads
	verifier *auth.JWTVerifier
	srv      *server.Server
	http     *httptest.Server
}

// historyLoads counts the lookups that pull a chat's full message history.
type historyLoads struct {
	*memory.Store
	n atomic.Int64
}

func (h *historyLoads) FindChat(ctx context.Context, id int64) (*membership.Chat, error) {
	h.n.Add(1)
	return h.Store.FindChat(ctx, id)
}

// newTestEnv starts a server with the default configuration, adjusted by
// configure when it is not nil.
func newTestEnv(t *testing.T, configure func(cfg *server.Config)) *testEnv {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	if configure != nil {
		configure(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	env := &testEnv{
		t:        t,
		store:    memory.New(),
		verifier: auth.NewJWTVerifier("test-secret", "groupchat"),
	}
	env.loads = &historyLoads{Store: env.store}
	env.srv = server.New(server.Options{
		Store:    env.loads,
		Verifier: env.verifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	env.http = testhelpers.CreateTestServer(env.srv.SetupRoutes())
	t.Cleanup(func() {
		_ = env.srv.Shutdown(2 * time.Second)
		env.http.Close()
	})
	return env
}

func (e *testEnv) token(userID int64) string {
	e.t.Helper()
	token, err := e.verifier.Issue(userID, time.Hour)
	if err != nil {
		e.t.Fatalf("issuing token: %v", err)
	}
	return token
}

func (e *testEnv) users(ids ...int64) {
	e.t.Helper()
	for _, id := range ids {
		if _, err := e.store.PutUser(context.Background(), membership.User{ID: id}); err != nil {
			e.t.Fatalf("creating user %d: %v", id, err)
		}
	}
}

// chat creates a chat directly in the store.
func (e *testEnv) chat(kind membership.ChatKind, title string, participants, admins []int64) *membership.Chat {
	e.t.Helper()
	draft := store.ChatDraft{Kind: kind, Title: title, Participants: participants, Admins: admins}
	chat, err := e.store.CreateChat(context.Background(), draft)
	if err != nil {
		e.t.Fatalf("creating chat: %v", err)
	}
	return chat
}

func (e *testEnv) url(path string) string {
	return e.http.URL + path
}

func (e *testEnv) streamURL(chatID int64) string {
	return testhelpers.WebSocketURL(e.http.URL, fmt.Sprintf("/api/v1/chats/%d", chatID))
}

func (e *testEnv) subscribers(chatID int64) int {
	return len(e.srv.Hub().Registry().ConnectionsFor(chatID))
}

// join opens a stream as userID and waits until it is registered.
func (e *testEnv) join(chatID, userID int64) *websocket.Conn {
	e.t.Helper()
	before := e.subscribers(chatID)
	conn := testhelpers.MustConnect(e.t, e.streamURL(chatID), e.token(userID))
	e.t.Cleanup(func() { _ = conn.Close() })
	testhelpers.WaitFor(e.t, 2*time.Second, func() bool {
		return e.subscribers(chatID) == before+1
	})
	return conn
}

// dial opens a stream without waiting for registration.
func (e *testEnv) dial(chatID int64, token string) *websocket.Conn {
	e.t.Helper()
	conn := testhelpers.MustConnect(e.t, e.streamURL(chatID), token)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func textFrame(userID int64, content string) map[string]any {
	return map[string]any{"type": "text", "userId": userID, "content": content}
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := testhelpers.SendFrame(conn, frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}
