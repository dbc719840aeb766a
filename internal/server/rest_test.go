package server_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/testhelpers"
)

type createChatResponse struct {
	Chat    membership.Chat `json:"chat"`
	Skipped struct {
		Participants []int64 `json:"participants"`
		Admins       []int64 `json:"admins"`
	} `json:"skipped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func chatPath(id int64, suffix string) string {
	return fmt.Sprintf("/api/v1/chats/%d%s", id, suffix)
}

// TestHealthEndpoints verifies the health check and test page are served
// without authentication.
func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.url(path), "", nil)
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		if string(body) != "GroupChat server is running!" {
			t.Errorf("%s: unexpected body %q", path, body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID", path)
		}
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/test"), "", nil)
	_ = resp.Body.Close()
	testhelpers.AssertContentType(t, resp, "text/html")
}

// TestMetricsEndpoint verifies the chat gauges are exported.
func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	env.join(chat.ID, 1)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/metrics"), "", nil)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	for _, want := range []string{"groupchat_active_connections 1", "groupchat_active_chats 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

// TestRESTRequiresToken verifies the management surface rejects anonymous
// and forged callers.
func TestRESTRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, token := range []string{"", "forged"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/api/v1/chats"), token, nil)
		var body errorResponse
		testhelpers.DecodeJSON(t, resp, &body)
		testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)
		if body.Error == "" {
			t.Error("Expected an error message")
		}
	}
}

// TestCreateChat covers creation of both kinds and the creation-time rules.
func TestCreateChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 3)
	token := env.token(1)

	t.Run("group with unknown participant", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, env.url("/api/v1/chats"), token, map[string]any{
			"type": "group", "title": "team", "participants": []int64{1, 2, 3, 42}, "admins": []int64{1},
		})
		var body createChatResponse
		testhelpers.DecodeJSON(t, resp, &body)
		testhelpers.AssertStatusCode(t, resp, http.StatusCreated)

		if body.Chat.Kind != membership.KindGroup || body.Chat.Title != "team" {
			t.Errorf("unexpected chat %+v", body.Chat)
		}
		if !slices.Equal(body.Chat.Participants, []int64{1, 2, 3}) {
			t.Errorf("Expected participants [1 2 3], got %v", body.Chat.Participants)
		}
		if !slices.Equal(body.Chat.Admins, []int64{1}) {
			t.Errorf("Expected admins [1], got %v", body.Chat.Admins)
		}
		if !slices.Equal(body.Skipped.Participants, []int64{42}) || len(body.Skipped.Admins) != 0 {
			t.Errorf("unexpected skipped %+v", body.Skipped)
		}
	})

	t.Run("simple chat drops decoration", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, env.url("/api/v1/chats"), token, map[string]any{
			"type": "simple", "title": "ignored", "participants": []int64{1, 2},
		})
		var body createChatResponse
		testhelpers.DecodeJSON(t, resp, &body)
		testhelpers.AssertStatusCode(t, resp, http.StatusCreated)
		if body.Chat.Title != "" || len(body.Chat.Admins) != 0 || len(body.Chat.Participants) != 2 {
			t.Errorf("unexpected simple chat %+v", body.Chat)
		}
	})

	tests := []struct {
		name    string
		body    map[string]any
		status  int
		message string
	}{
		{
			name:    "simple with one participant",
			body:    map[string]any{"type": "simple", "participants": []int64{1}},
			status:  http.StatusBadRequest,
			message: "Simple chat should have 2 participants",
		},
		{
			name:    "simple with duplicate participant",
			body:    map[string]any{"type": "simple", "participants": []int64{1, 1}},
			status:  http.StatusBadRequest,
			message: "Simple chat should have 2 participants",
		},
		{
			name:    "simple with unknown user",
			body:    map[string]any{"type": "simple", "participants": []int64{1, 42}},
			status:  http.StatusBadRequest,
			message: "Simple chat participants must be existing users",
		},
		{
			name:    "simple with admins",
			body:    map[string]any{"type": "simple", "participants": []int64{1, 2}, "admins": []int64{1}},
			status:  http.StatusBadRequest,
			message: "Simple chat should not have admins",
		},
		{
			name:    "group without title",
			body:    map[string]any{"type": "group", "participants": []int64{1, 2}, "admins": []int64{1}},
			status:  http.StatusBadRequest,
			message: "Group chat should have a title",
		},
		{
			name:    "group without admin",
			body:    map[string]any{"type": "group", "title": "t", "participants": []int64{1, 2}},
			status:  http.StatusBadRequest,
			message: "Group chat should have at least 1 admin",
		},
		{
			name:    "group left with one known participant",
			body:    map[string]any{"type": "group", "title": "t", "participants": []int64{1, 42}, "admins": []int64{1}},
			status:  http.StatusBadRequest,
			message: "Group chat should have at least 2 participants",
		},
		{
			name:    "group with only unknown participants",
			body:    map[string]any{"type": "group", "title": "t", "participants": []int64{42, 43}, "admins": []int64{42}},
			status:  http.StatusBadRequest,
			message: "Group chat should have at least 2 participants",
		},
		{
			name:    "group admin outside participants",
			body:    map[string]any{"type": "group", "title": "t", "participants": []int64{1, 2}, "admins": []int64{3}},
			status:  http.StatusBadRequest,
			message: "Group chat should have at least 1 admin",
		},
		{
			name:    "unknown type",
			body:    map[string]any{"type": "channel", "title": "t"},
			status:  http.StatusBadRequest,
			message: "unknown chat type channel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodPost, env.url("/api/v1/chats"), token, tt.body)
			var body errorResponse
			testhelpers.DecodeJSON(t, resp, &body)
			testhelpers.AssertStatusCode(t, resp, tt.status)
			if body.Error != tt.message {
				t.Errorf("Expected error %q, got %q", tt.message, body.Error)
			}
		})
	}

	chats, _ := env.store.ListChats(context.Background())
	if len(chats) != 2 {
		t.Errorf("rejected requests must not create chats, have %d", len(chats))
	}
}

// TestCreateChatMalformedBody verifies undecodable bodies are a 400.
func TestCreateChatMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodPost, env.url("/api/v1/chats"), strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.token(1))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
}

// TestGetAndListChats verifies reads return membership and newest chats first.
func TestGetAndListChats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	older := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	newer := env.chat(membership.KindGroup, "g", []int64{1, 2}, []int64{2})
	if _, err := env.store.CreateMessage(context.Background(), newer.ID, 1, membership.MessageText, "hi"); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	token := env.token(1)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/api/v1/chats"), token, nil)
	var chats []membership.Chat
	testhelpers.DecodeJSON(t, resp, &chats)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if len(chats) != 2 || chats[0].ID != newer.ID || chats[1].ID != older.ID {
		t.Errorf("unexpected chat order %+v", chats)
	}

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.url(chatPath(newer.ID, "")), token, nil)
	var chat membership.Chat
	testhelpers.DecodeJSON(t, resp, &chat)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if !slices.Equal(chat.Admins, []int64{2}) || len(chat.Messages) != 1 {
		t.Errorf("unexpected chat %+v", chat)
	}

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.url(chatPath(404, "")), token, nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestUpdateChat verifies title and logo patches and their validation.
func TestUpdateChat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	group := env.chat(membership.KindGroup, "before", []int64{1, 2}, []int64{1})
	simple := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	token := env.token(1)

	resp := testhelpers.MakeRequest(t, http.MethodPut, env.url(chatPath(group.ID, "")), token,
		map[string]any{"title": "after", "logo": "logo.png"})
	var chat membership.Chat
	testhelpers.DecodeJSON(t, resp, &chat)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if chat.Title != "after" || chat.Logo != "logo.png" {
		t.Errorf("patch not applied: %+v", chat)
	}

	resp = testhelpers.MakeRequest(t, http.MethodPut, env.url(chatPath(group.ID, "")), token, map[string]any{"title": ""})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	resp = testhelpers.MakeRequest(t, http.MethodPut, env.url(chatPath(simple.ID, "")), token, map[string]any{"title": "x"})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
}

// TestMembershipBatches verifies the best-effort batch semantics of the four
// membership mutations.
func TestMembershipBatches(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 3, 4, 5)
	chat := env.chat(membership.KindGroup, "g", []int64{1, 2}, []int64{1})
	token := env.token(1)

	batch := func(method, suffix, field string, ids []int64) membership.BatchResult {
		t.Helper()
		resp := testhelpers.MakeRequest(t, method, env.url(chatPath(chat.ID, suffix)), token, map[string]any{field: ids})
		var res membership.BatchResult
		testhelpers.DecodeJSON(t, resp, &res)
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		return res
	}

	res := batch(http.MethodPost, "/participants", "participants", []int64{2, 3, 42, 3})
	if !slices.Equal(res.Added, []int64{3}) || !slices.Equal(res.Skipped, []int64{2, 42, 3}) {
		t.Errorf("addParticipants: %+v", res)
	}

	res = batch(http.MethodPost, "/admins", "admins", []int64{5})
	if len(res.Added) != 0 || !slices.Equal(res.Skipped, []int64{5}) {
		t.Errorf("addAdmins of a non-participant: %+v", res)
	}

	res = batch(http.MethodPost, "/admins", "admins", []int64{3})
	if !slices.Equal(res.Added, []int64{3}) {
		t.Errorf("addAdmins: %+v", res)
	}

	res = batch(http.MethodDelete, "/participants", "participants", []int64{3, 4})
	if !slices.Equal(res.Added, []int64{3}) || !slices.Equal(res.Skipped, []int64{4}) {
		t.Errorf("removeParticipants: %+v", res)
	}

	got, _ := env.store.FindChat(context.Background(), chat.ID)
	if got.IsAdmin(3) {
		t.Error("removing a participant must drop their admin role")
	}

	res = batch(http.MethodDelete, "/admins", "admins", []int64{1, 2})
	if !slices.Equal(res.Added, []int64{1}) || !slices.Equal(res.Skipped, []int64{2}) {
		t.Errorf("removeAdmins: %+v", res)
	}

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(chat.ID, "/admins")), token, map[string]any{"wrong": []int64{1}})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	resp = testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(999, "/participants")), token, map[string]any{"participants": []int64{1}})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestSimpleChatMembershipRules verifies simple chats refuse admins and a
// third participant.
func TestSimpleChatMembershipRules(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2, 3)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	token := env.token(1)

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(chat.ID, "/admins")), token, map[string]any{"admins": []int64{1}})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	resp = testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(chat.ID, "/participants")), token, map[string]any{"participants": []int64{3}})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
}

// TestMessagesAndReadReceipts verifies message listing and markRead.
func TestMessagesAndReadReceipts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.users(1, 2)
	chat := env.chat(membership.KindSimple, "", []int64{1, 2}, nil)
	other := env.chat(membership.KindGroup, "other", []int64{1, 2}, []int64{1})
	ctx := context.Background()
	first, _ := env.store.CreateMessage(ctx, chat.ID, 1, membership.MessageText, "first")
	_, _ = env.store.CreateMessage(ctx, chat.ID, 2, membership.MessageFile, "doc.pdf")
	token := env.token(2)

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(chat.ID, fmt.Sprintf("/messages/%d/read", first.ID))), token,
		map[string]any{"users": []int64{2, 42, 2}})
	var res membership.BatchResult
	testhelpers.DecodeJSON(t, resp, &res)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if !slices.Equal(res.Added, []int64{2}) || !slices.Equal(res.Skipped, []int64{42, 2}) {
		t.Errorf("markRead: %+v", res)
	}

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.url(chatPath(chat.ID, "/messages")), token, nil)
	var msgs []membership.Message
	testhelpers.DecodeJSON(t, resp, &msgs)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Kind != membership.MessageFile {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if !msgs[0].HasBeenReadBy(2) || msgs[1].HasBeenReadBy(2) {
		t.Errorf("unexpected read-by sets %v / %v", msgs[0].ReadBy, msgs[1].ReadBy)
	}

	resp = testhelpers.MakeRequest(t, http.MethodPost, env.url(chatPath(other.ID, fmt.Sprintf("/messages/%d/read", first.ID))), token,
		map[string]any{"users": []int64{2}})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestUserDirectory verifies callers can only register and remove themselves.
func TestUserDirectory(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(7)

	resp := testhelpers.MakeRequest(t, http.MethodPut, env.url("/api/v1/users/7"), token, map[string]any{"email": "seven@example.com"})
	var user membership.User
	testhelpers.DecodeJSON(t, resp, &user)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	if user.ID != 7 || user.Email != "seven@example.com" {
		t.Errorf("unexpected user %+v", user)
	}

	resp = testhelpers.MakeRequest(t, http.MethodPut, env.url("/api/v1/users/8"), token, map[string]any{"email": "x"})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)

	resp = testhelpers.MakeRequest(t, http.MethodDelete, env.url("/api/v1/users/7"), token, nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNoContent)

	resp = testhelpers.MakeRequest(t, http.MethodDelete, env.url("/api/v1/users/7"), token, nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestStrictMembershipREST verifies strict mode hides foreign chats and
// restricts mutations to admins.
func TestStrictMembershipREST(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config) { cfg.StrictMembership = true })
	env.users(1, 2, 3)
	mine := env.chat(membership.KindGroup, "mine", []int64{1, 2}, []int64{1})
	env.chat(membership.KindGroup, "theirs", []int64{2, 3}, []int64{3})

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/api/v1/chats"), env.token(1), nil)
	var chats []membership.Chat
	testhelpers.DecodeJSON(t, resp, &chats)
	if len(chats) != 1 || chats[0].ID != mine.ID {
		t.Errorf("Expected only chat %d, got %+v", mine.ID, chats)
	}

	resp = testhelpers.MakeRequest(t, http.MethodPut, env.url(chatPath(mine.ID, "")), env.token(2), map[string]any{"title": "hijack"})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.url(chatPath(mine.ID, "")), env.token(3), nil)
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)

	resp = testhelpers.MakeRequest(t, http.MethodPut, env.url(chatPath(mine.ID, "")), env.token(1), map[string]any{"title": "renamed"})
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
}
