package server_test

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/testhelpers"
)

var timeOfDay = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)

func assertOutbound(t *testing.T, msg map[string]any, chatID, userID int64, content string) {
	t.Helper()
	if _, isNotice := msg["error"]; isNotice {
		t.Fatalf("Expected a chat message, got notice %v", msg)
	}
	if msg["chatId"] != float64(chatID) {
		t.Errorf("Expected chatId %d, got %v", chatID, msg["chatId"])
	}
	if msg["userId"] != float64(userID) {
		t.Errorf("Expected userId %d, got %v", userID, msg["userId"])
	}
	if msg["message"] != content {
		t.Errorf("Expected message %q, got %v", content, msg["message"])
	}
	if msg["type"] != "text" {
		t.Errorf("Expected type text, got %v", msg["type"])
	}
	if ts, _ := msg["time"].(string); !timeOfDay.MatchString(ts) {
		t.Errorf("Expected HH:MM:SS time, got %v", msg["time"])
	}
}

func assertNotice(t *testing.T, msg map[string]any, code string) {
	t.Helper()
	if msg["code"] != code {
		t.Errorf("Expected notice %s, got %v", code, msg)
	}
	if _, ok := msg["error"].(string); !ok {
		t.Errorf("Notice without error text: %v", msg)
	}
}

// TestBroadcastReachesSenderAndPeers verifies that a message sent by A reaches
// every subscriber including A, is stored, and is marked read by its sender.
func TestBroadcastReachesSenderAndPeers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 3)
	chat := env.chat(membership.KindGroup, "team", []int64{1, 2, 3}, []int64{1})

	alice := env.join(chat.ID, 1)
	bob := env.join(chat.ID, 2)

	send(t, alice, textFrame(1, "hello"))

	assertOutbound(t, testhelpers.MustReceive(t, alice), chat.ID, 1, "hello")
	assertOutbound(t, testhelpers.MustReceive(t, bob), chat.ID, 1, "hello")

	msgs, err := env.store.ListMessages(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].OwnerID != 1 || msgs[0].Content != "hello" || msgs[0].Kind != membership.MessageText {
		t.Errorf("unexpected stored message %+v", msgs[0])
	}
	if !slices.Equal(msgs[0].ReadBy, []int64{1}) {
		t.Errorf("Expected read-by [1], got %v", msgs[0].ReadBy)
	}
}

// TestBroadcastStaysInChat verifies subscribers of another chat see nothing.
func TestBroadcastStaysInChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	first := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	second := env.chat(membership.KindGroup, "other", []int64{1, 2}, []int64{2})

	sender := env.join(first.ID, 1)
	outsider := env.join(second.ID, 2)

	send(t, sender, textFrame(1, "only here"))
	assertOutbound(t, testhelpers.MustReceive(t, sender), first.ID, 1, "only here")
	testhelpers.ExpectNoMessage(t, outsider, 200*time.Millisecond)
}

// TestEachSubscriberReceivesOnce verifies N subscribers get exactly N
// deliveries for one message.
func TestEachSubscriberReceivesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 3, 4, 5)
	chat := env.chat(membership.KindGroup, "five", []int64{1, 2, 3, 4, 5}, []int64{1})

	conns := make([]*websocket.Conn, 0, 5)
	for id := int64(1); id <= 5; id++ {
		conns = append(conns, env.join(chat.ID, id))
	}

	send(t, conns[2], textFrame(3, "fan out"))

	for i, conn := range conns {
		msg := testhelpers.MustReceive(t, conn)
		if msg["message"] != "fan out" {
			t.Errorf("connection %d received %v", i, msg)
		}
	}
	for _, conn := range conns {
		testhelpers.ExpectNoMessage(t, conn, 100*time.Millisecond)
	}

	if n := env.srv.Hub().Broadcast([]byte(`{"direct":true}`), chat.ID); n != 5 {
		t.Errorf("Expected 5 deliveries, got %d", n)
	}
}

// TestMessagesArriveInOrder verifies one sender's messages keep their order.
func TestMessagesArriveInOrder(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	})
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	sender := env.join(chat.ID, 1)
	reader := env.join(chat.ID, 2)

	want := []string{"one", "two", "three", "four", "five"}
	for _, content := range want {
		send(t, sender, textFrame(1, content))
	}
	for _, content := range want {
		msg := testhelpers.MustReceive(t, reader)
		if msg["message"] != content {
			t.Fatalf("Expected %q, got %v", content, msg["message"])
		}
	}
}

// TestUnknownChatIsClosed verifies a stream to a missing chat is closed with
// the not-found code and never registered.
func TestUnknownChatIsClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1)

	conn := env.dial(999, env.token(1))
	testhelpers.ExpectClose(t, conn, server.CloseChatNotFound)

	if env.srv.Hub().Registry().HasChat(999) {
		t.Error("missing chat must not get a registry entry")
	}
}

// TestCredentialFailures verifies the close codes of the authentication steps.
func TestCredentialFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	expired, err := env.verifier.Issue(1, -time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{name: "missing token", token: "", code: server.CloseInvalidToken},
		{name: "garbage token", token: "not-a-jwt", code: server.CloseNotAuthenticated},
		{name: "expired token", token: expired, code: server.CloseNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(chat.ID, tt.token)
			testhelpers.ExpectClose(t, conn, tt.code)
		})
	}

	if env.subscribers(chat.ID) != 0 {
		t.Error("rejected sessions must not be registered")
	}
}

// TestQueryTokenAccepted verifies browsers can pass the token in the URL.
func TestQueryTokenAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	conn := testhelpers.MustConnect(t, env.streamURL(chat.ID)+"?access_token="+env.token(1), "")
	defer conn.Close()

	testhelpers.WaitFor(t, 2*time.Second, func() bool { return env.subscribers(chat.ID) == 1 })
}

// TestDisallowedOriginRefused verifies the origin check runs on the upgrade.
func TestDisallowedOriginRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	header.Set("Authorization", "Bearer "+env.token(1))
	conn, resp, err := websocket.DefaultDialer.Dial(env.streamURL(chat.ID), header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake to fail")
	}
	if resp != nil {
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
	}
}

// TestInvalidFramesGetNotices verifies bad frames produce a private notice,
// are not broadcast, and leave the session usable.
func TestInvalidFramesGetNotices(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	alice := env.join(chat.ID, 1)
	bob := env.join(chat.ID, 2)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("plain text")); err != nil {
		t.Fatalf("writing raw frame: %v", err)
	}
	assertNotice(t, testhelpers.MustReceive(t, alice), server.NoticeMalformedInput)

	send(t, alice, map[string]any{"userId": 1})
	notice := testhelpers.MustReceive(t, alice)
	assertNotice(t, notice, server.NoticeValidation)
	if notice["error"] != "Fields userId and content are required" {
		t.Errorf("unexpected notice text %v", notice["error"])
	}

	send(t, alice, map[string]any{"type": "sticker", "userId": 1, "content": "x"})
	assertNotice(t, testhelpers.MustReceive(t, alice), server.NoticeValidation)

	send(t, alice, textFrame(1, "still here"))
	assertOutbound(t, testhelpers.MustReceive(t, alice), chat.ID, 1, "still here")
	assertOutbound(t, testhelpers.MustReceive(t, bob), chat.ID, 1, "still here")
	testhelpers.ExpectNoMessage(t, bob, 100*time.Millisecond)

	msgs, _ := env.store.ListMessages(context.Background(), chat.ID)
	if len(msgs) != 1 {
		t.Errorf("Expected only the valid message stored, got %d", len(msgs))
	}
}

// TestRateLimitedFrameGetsNotice verifies throttled frames are dropped with a
// notice.
func TestRateLimitedFrameGetsNotice(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 1, RefillInterval: time.Hour}
	})
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	alice := env.join(chat.ID, 1)

	send(t, alice, textFrame(1, "first"))
	send(t, alice, textFrame(1, "second"))

	assertOutbound(t, testhelpers.MustReceive(t, alice), chat.ID, 1, "first")
	assertNotice(t, testhelpers.MustReceive(t, alice), server.NoticeRateLimited)
}

// TestNonParticipantSenderNotMarkedRead verifies open mode stores messages
// from non-participants without adding them to read-by.
func TestNonParticipantSenderNotMarkedRead(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 9)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	guest := env.join(chat.ID, 9)

	send(t, guest, textFrame(9, "drive-by"))
	assertOutbound(t, testhelpers.MustReceive(t, guest), chat.ID, 9, "drive-by")

	msgs, _ := env.store.ListMessages(context.Background(), chat.ID)
	if len(msgs) != 1 || len(msgs[0].ReadBy) != 0 {
		t.Errorf("Expected one unread message, got %+v", msgs)
	}
}

// TestStrictMembership verifies strict mode refuses outsiders and spoofed
// senders.
func TestStrictMembership(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.StrictMembership = true })
	env.users(1, 2, 3)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	outsider := env.dial(chat.ID, env.token(3))
	testhelpers.ExpectClose(t, outsider, server.CloseForbidden)

	alice := env.join(chat.ID, 1)
	send(t, alice, textFrame(2, "pretending"))
	assertNotice(t, testhelpers.MustReceive(t, alice), server.NoticeForbidden)

	send(t, alice, textFrame(1, "honest"))
	assertOutbound(t, testhelpers.MustReceive(t, alice), chat.ID, 1, "honest")
}

// TestClientCloseUnregisters verifies a client-initiated close drops the
// registry entry.
func TestClientCloseUnregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	conn := env.join(chat.ID, 1)
	if err := testhelpers.CloseWebSocket(conn); err != nil {
		t.Fatalf("closing: %v", err)
	}

	testhelpers.WaitFor(t, 2*time.Second, func() bool {
		return !env.srv.Hub().Registry().HasChat(chat.ID)
	})
}

// TestDeletedChatClosesStreams verifies deleting a chat over REST ends its
// streams with the not-found code.
func TestDeletedChatClosesStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindGroup, "doomed", []int64{1, 2}, []int64{1})
	conn := env.join(chat.ID, 2)

	resp := testhelpers.MakeRequest(t, http.MethodDelete, env.url(fmt.Sprintf("/api/v1/chats/%d", chat.ID)), env.token(1), nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNoContent)

	testhelpers.ExpectClose(t, conn, server.CloseChatNotFound)
	if env.srv.Hub().Registry().HasChat(chat.ID) {
		t.Error("registry entry should be gone")
	}
}

// TestShutdownClosesStreams verifies shutdown sends going-away to every
// stream and refuses new ones.
func TestShutdownClosesStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)

	a := env.join(chat.ID, 1)
	b := env.join(chat.ID, 2)

	if err := env.srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	testhelpers.ExpectClose(t, a, websocket.CloseGoingAway)
	testhelpers.ExpectClose(t, b, websocket.CloseGoingAway)

	late := env.dial(chat.ID, env.token(1))
	testhelpers.ExpectClose(t, late, websocket.CloseGoingAway)
	if env.srv.Hub().Registry().ChatCount() != 0 {
		t.Error("registry should be empty after shutdown")
	}
}

// TestShutdownDuringDialsClosesEveryStream verifies that streams registering
// while the hub shuts down are either closed with the snapshot or refused,
// never left open.
func TestShutdownDuringDialsClosesEveryStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	url, token := env.streamURL(chat.ID), env.token(1)

	const dialers = 16
	conns := make(chan *websocket.Conn, dialers)
	errs := make(chan error, dialers)
	var wg sync.WaitGroup
	for range dialers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := testhelpers.ConnectWebSocket(url, token)
			if err != nil {
				errs <- err
				return
			}
			conns <- conn
		}()
	}

	testhelpers.WaitFor(t, 2*time.Second, func() bool { return env.subscribers(chat.ID) > 0 })
	if err := env.srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()
	close(conns)
	close(errs)

	for err := range errs {
		t.Errorf("dial failed: %v", err)
	}
	for conn := range conns {
		testhelpers.ExpectClose(t, conn, websocket.CloseGoingAway)
		_ = conn.Close()
	}
	if n := env.srv.Hub().Registry().ChatCount(); n != 0 {
		t.Errorf("registry should be empty after shutdown, has %d chats", n)
	}
}

// TestMembershipChecksSkipHistory verifies the handshake and the REST access
// checks read only a chat's members, leaving full history to GET chat.
func TestMembershipChecksSkipHistory(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.StrictMembership = true })
	env.users(1, 2)
	chat := env.chat(membership.KindGroup, "g", []int64{1, 2}, []int64{1})
	token := env.token(1)

	conn := env.join(chat.ID, 1)
	send(t, conn, textFrame(1, "hi"))
	testhelpers.MustReceive(t, conn)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url(fmt.Sprintf("/api/v1/chats/%d/messages", chat.ID)), token, nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if n := env.loads.n.Load(); n != 0 {
		t.Errorf("Expected no full history loads, got %d", n)
	}

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.url(fmt.Sprintf("/api/v1/chats/%d", chat.ID)), token, nil)
	var got membership.Chat
	testhelpers.DecodeJSON(t, resp, &got)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if len(got.Messages) != 1 {
		t.Errorf("Expected GET chat to include 1 message, got %d", len(got.Messages))
	}
	if n := env.loads.n.Load(); n != 1 {
		t.Errorf("Expected one full history load, got %d", n)
	}
}
