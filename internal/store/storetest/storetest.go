// Package storetest holds the behavioural suite every store.Gateway
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/store"
)

// Factory returns a fresh, empty gateway for one subtest.
type Factory func(t *testing.T) store.Gateway

// Run executes the suite against gateways produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Gateway)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"CreateChecksResolvedMembers", testCreateChecksResolvedMembers},
		{"FindChatMembersOmitsMessages", testFindChatMembersOmitsMessages},
		{"FindMissing", testFindMissing},
		{"ListNewestFirst", testListNewestFirst},
		{"UpdateChat", testUpdateChat},
		{"DeleteChatCascades", testDeleteChatCascades},
		{"AddParticipantsSkipsUnknownAndExisting", testAddParticipantsSkips},
		{"SimpleChatCapacity", testSimpleChatCapacity},
		{"AdminsMustBeParticipants", testAdminsMustBeParticipants},
		{"SimpleChatRejectsAdmins", testSimpleChatRejectsAdmins},
		{"RemoveParticipantDropsAdmin", testRemoveParticipantDropsAdmin},
		{"RemoveAdmins", testRemoveAdmins},
		{"MessagesAndReadReceipts", testMessagesAndReadReceipts},
		{"MarkReadWrongChat", testMarkReadWrongChat},
		{"DeleteUserKeepsMessages", testDeleteUserKeepsMessages},
		{"RandomMutationsKeepInvariants", testRandomMutations},
		{"ConcurrentAddsRespectCapacity", testConcurrentAddsRespectCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func seedUsers(t *testing.T, s store.Gateway, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := s.PutUser(context.Background(), membership.User{ID: id}); err != nil {
			t.Fatalf("put user %d: %v", id, err)
		}
	}
}

func mustChat(t *testing.T, s store.Gateway, draft store.ChatDraft) *membership.Chat {
	t.Helper()
	chat, err := s.CreateChat(context.Background(), draft)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

func group(t *testing.T, s store.Gateway, participants, admins []int64) *membership.Chat {
	t.Helper()
	return mustChat(t, s, store.ChatDraft{
		Kind:         membership.KindGroup,
		Title:        "friends",
		Participants: participants,
		Admins:       admins,
	})
}

func simple(t *testing.T, s store.Gateway, a, b int64) *membership.Chat {
	t.Helper()
	return mustChat(t, s, store.ChatDraft{Kind: membership.KindSimple, Participants: []int64{a, b}})
}

func chatCount(t *testing.T, s store.Gateway) int {
	t.Helper()
	chats, err := s.ListChats(context.Background())
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	return len(chats)
}

func find(t *testing.T, s store.Gateway, id int64) *membership.Chat {
	t.Helper()
	chat, err := s.FindChat(context.Background(), id)
	if err != nil {
		t.Fatalf("find chat %d: %v", id, err)
	}
	return chat
}

func expectIDs(t *testing.T, label string, got, want []int64) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Errorf("%s: expected %v, got %v", label, want, got)
	}
}

func testCreateAndFind(t *testing.T, s store.Gateway) {
	seedUsers(t, s, 1, 2)
	chat := simple(t, s, 1, 2)
	if chat.ID == 0 {
		t.Fatal("expected an assigned chat id")
	}
	expectIDs(t, "created participants", chat.Participants, []int64{1, 2})

	got := find(t, s, chat.ID)
	if got.Kind != membership.KindSimple {
		t.Errorf("expected simple chat, got %q", got.Kind)
	}
	expectIDs(t, "participants", got.Participants, []int64{1, 2})
	expectIDs(t, "admins", got.Admins, nil)

	if _, err := s.CreateChat(context.Background(), store.ChatDraft{Kind: "channel"}); !errors.Is(err, membership.ErrInvariantViolation) {
		t.Errorf("expected invariant violation for unknown kind, got %v", err)
	}
}

func testCreateChecksResolvedMembers(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)

	chat := mustChat(t, s, store.ChatDraft{
		Kind:         membership.KindGroup,
		Title:        "team",
		Participants: []int64{1, 2, 42, 2},
		Admins:       []int64{1, 3},
	})
	expectIDs(t, "participants", chat.Participants, []int64{1, 2})
	expectIDs(t, "admins", chat.Admins, []int64{1})

	rejected := []struct {
		name  string
		draft store.ChatDraft
		want  membership.ViolationKind
	}{
		{
			name:  "one known participant left",
			draft: store.ChatDraft{Kind: membership.KindGroup, Title: "t", Participants: []int64{1, 42}, Admins: []int64{1}},
			want:  membership.GroupTooFewParticipants,
		},
		{
			name:  "no known participants",
			draft: store.ChatDraft{Kind: membership.KindGroup, Title: "t", Participants: []int64{41, 42}, Admins: []int64{41}},
			want:  membership.GroupTooFewParticipants,
		},
		{
			name:  "admin outside participants",
			draft: store.ChatDraft{Kind: membership.KindGroup, Title: "t", Participants: []int64{1, 2}, Admins: []int64{3}},
			want:  membership.GroupMissingAdmin,
		},
		{
			name:  "simple with unknown user",
			draft: store.ChatDraft{Kind: membership.KindSimple, Participants: []int64{1, 42}},
			want:  membership.SimpleParticipantCount,
		},
	}
	for _, tt := range rejected {
		_, err := s.CreateChat(ctx, tt.draft)
		if v, ok := membership.AsViolation(err); !ok || v.Kind != tt.want {
			t.Errorf("%s: expected %s violation, got %v", tt.name, tt.want, err)
		}
	}
	if n := chatCount(t, s); n != 1 {
		t.Errorf("rejected drafts must not store chats, have %d", n)
	}
}

func testFindChatMembersOmitsMessages(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2)
	chat := group(t, s, []int64{1, 2}, []int64{2})
	if _, err := s.CreateMessage(ctx, chat.ID, 1, membership.MessageText, "hi"); err != nil {
		t.Fatalf("create message: %v", err)
	}

	got, err := s.FindChatMembers(ctx, chat.ID)
	if err != nil {
		t.Fatalf("find chat members: %v", err)
	}
	expectIDs(t, "participants", got.Participants, []int64{1, 2})
	expectIDs(t, "admins", got.Admins, []int64{2})
	if got.Title != "friends" || len(got.Messages) != 0 {
		t.Errorf("expected members without messages, got %+v", got)
	}
	if _, err := s.FindChatMembers(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testFindMissing(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	if _, err := s.FindChat(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AddParticipants(ctx, 999, []int64{1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from AddParticipants, got %v", err)
	}
	if _, err := s.CreateMessage(ctx, 999, 1, membership.MessageText, "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from CreateMessage, got %v", err)
	}
	if err := s.DeleteChat(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from DeleteChat, got %v", err)
	}
}

func testListNewestFirst(t *testing.T, s store.Gateway) {
	first := mustChat(t, s, store.ChatDraft{Kind: membership.KindGroup, Title: "a"})
	second := mustChat(t, s, store.ChatDraft{Kind: membership.KindGroup, Title: "b"})

	chats, err := s.ListChats(context.Background())
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != second.ID || chats[1].ID != first.ID {
		t.Errorf("expected newest first, got %d then %d", chats[0].ID, chats[1].ID)
	}
}

func testUpdateChat(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	chat := mustChat(t, s, store.ChatDraft{Kind: membership.KindGroup, Title: "old", Logo: "old.png"})

	title := "new"
	got, err := s.UpdateChat(ctx, chat.ID, membership.ChatPatch{Title: &title})
	if err != nil {
		t.Fatalf("update chat: %v", err)
	}
	if got.Title != "new" || got.Logo != "old.png" {
		t.Errorf("unexpected chat after update: %+v", got)
	}
	if stored := find(t, s, chat.ID); stored.Title != "new" {
		t.Errorf("update not persisted, title %q", stored.Title)
	}

	empty := ""
	if _, err := s.UpdateChat(ctx, chat.ID, membership.ChatPatch{Title: &empty}); !errors.Is(err, membership.ErrInvariantViolation) {
		t.Errorf("expected violation clearing group title, got %v", err)
	}
}

func testDeleteChatCascades(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := group(t, s, []int64{1, 2, 3}, []int64{1})
	msg, err := s.CreateMessage(ctx, chat.ID, 1, membership.MessageText, "bye")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := s.MarkRead(ctx, chat.ID, msg.ID, []int64{1}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	if err := s.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if _, err := s.FindChat(ctx, chat.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected deleted chat to be gone, got %v", err)
	}
	if _, err := s.ListMessages(ctx, chat.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected messages to go with the chat, got %v", err)
	}
	if ok, _ := s.UserExists(ctx, 1); !ok {
		t.Error("deleting a chat must not delete its users")
	}
}

func testAddParticipantsSkips(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := group(t, s, []int64{1, 2}, []int64{1})

	res, err := s.AddParticipants(ctx, chat.ID, []int64{2, 3, 42, 3})
	if err != nil {
		t.Fatalf("add participants: %v", err)
	}
	expectIDs(t, "added", res.Added, []int64{3})
	expectIDs(t, "skipped", res.Skipped, []int64{2, 42, 3})
	expectIDs(t, "participants", find(t, s, chat.ID).Participants, []int64{1, 2, 3})
}

func testSimpleChatCapacity(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := simple(t, s, 1, 2)

	_, err := s.AddParticipants(ctx, chat.ID, []int64{3})
	if v, ok := membership.AsViolation(err); !ok || v.Kind != membership.SimpleParticipantCount {
		t.Fatalf("expected simple participant count violation, got %v", err)
	}
	expectIDs(t, "participants", find(t, s, chat.ID).Participants, []int64{1, 2})

	// Re-adding existing members is a no-op, not an overflow.
	res, err := s.AddParticipants(ctx, chat.ID, []int64{1, 2})
	if err != nil {
		t.Fatalf("re-adding members: %v", err)
	}
	expectIDs(t, "skipped", res.Skipped, []int64{1, 2})
}

func testAdminsMustBeParticipants(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3, 5)
	chat := group(t, s, []int64{1, 2, 3}, []int64{1})

	res, err := s.AddAdmins(ctx, chat.ID, []int64{5})
	if err != nil {
		t.Fatalf("add admins: %v", err)
	}
	expectIDs(t, "added", res.Added, nil)
	expectIDs(t, "skipped", res.Skipped, []int64{5})
	expectIDs(t, "admins", find(t, s, chat.ID).Admins, []int64{1})

	res, err = s.AddAdmins(ctx, chat.ID, []int64{1, 2})
	if err != nil {
		t.Fatalf("add admins: %v", err)
	}
	expectIDs(t, "added", res.Added, []int64{2})
	expectIDs(t, "skipped", res.Skipped, []int64{1})
}

func testSimpleChatRejectsAdmins(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2)
	chat := simple(t, s, 1, 2)

	_, err := s.AddAdmins(ctx, chat.ID, []int64{1})
	if v, ok := membership.AsViolation(err); !ok || v.Kind != membership.SimpleHasAdmins {
		t.Fatalf("expected simple has admins violation, got %v", err)
	}
	expectIDs(t, "admins", find(t, s, chat.ID).Admins, nil)
}

func testRemoveParticipantDropsAdmin(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := group(t, s, []int64{1, 2, 3}, []int64{1, 2})

	res, err := s.RemoveParticipants(ctx, chat.ID, []int64{2, 9})
	if err != nil {
		t.Fatalf("remove participants: %v", err)
	}
	expectIDs(t, "removed", res.Added, []int64{2})
	expectIDs(t, "skipped", res.Skipped, []int64{9})

	got := find(t, s, chat.ID)
	expectIDs(t, "participants", got.Participants, []int64{1, 3})
	expectIDs(t, "admins", got.Admins, []int64{1})
}

func testRemoveAdmins(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2)
	chat := group(t, s, []int64{1, 2}, []int64{1, 2})

	res, err := s.RemoveAdmins(ctx, chat.ID, []int64{2, 2})
	if err != nil {
		t.Fatalf("remove admins: %v", err)
	}
	expectIDs(t, "removed", res.Added, []int64{2})
	expectIDs(t, "skipped", res.Skipped, []int64{2})

	got := find(t, s, chat.ID)
	expectIDs(t, "admins", got.Admins, []int64{1})
	expectIDs(t, "participants", got.Participants, []int64{1, 2})
}

func testMessagesAndReadReceipts(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := group(t, s, []int64{1, 2}, []int64{1})

	first, err := s.CreateMessage(ctx, chat.ID, 1, membership.MessageText, "hello")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := s.CreateMessage(ctx, chat.ID, 2, membership.MessageFile, "cat.png"); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if first.ChatID != chat.ID || first.OwnerID != 1 || len(first.ReadBy) != 0 {
		t.Errorf("unexpected new message: %+v", first)
	}

	res, err := s.MarkRead(ctx, chat.ID, first.ID, []int64{1, 3})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	expectIDs(t, "added", res.Added, []int64{1})
	expectIDs(t, "skipped", res.Skipped, []int64{3})

	res, err = s.MarkRead(ctx, chat.ID, first.ID, []int64{1, 2})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	expectIDs(t, "added", res.Added, []int64{2})

	msgs, err := s.ListMessages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "cat.png" {
		t.Errorf("messages out of order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
	expectIDs(t, "read by", msgs[0].ReadBy, []int64{1, 2})
	if msgs[1].Kind != membership.MessageFile {
		t.Errorf("expected file message, got %q", msgs[1].Kind)
	}
	if got := find(t, s, chat.ID); len(got.Messages) != 2 {
		t.Errorf("expected FindChat to include 2 messages, got %d", len(got.Messages))
	}
}

func testMarkReadWrongChat(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2)
	a := group(t, s, []int64{1, 2}, []int64{1})
	b := group(t, s, []int64{1, 2}, []int64{1})
	msg, err := s.CreateMessage(ctx, a.ID, 1, membership.MessageText, "hi")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	if _, err := s.MarkRead(ctx, b.ID, msg.ID, []int64{1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for message of another chat, got %v", err)
	}
}

func testDeleteUserKeepsMessages(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3)
	chat := group(t, s, []int64{1, 2, 3}, []int64{1, 2})
	msg, err := s.CreateMessage(ctx, chat.ID, 2, membership.MessageText, "still here")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := s.MarkRead(ctx, chat.ID, msg.ID, []int64{2, 3}); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	if err := s.DeleteUser(ctx, 2); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if ok, _ := s.UserExists(ctx, 2); ok {
		t.Error("deleted user still exists")
	}

	got := find(t, s, chat.ID)
	expectIDs(t, "participants", got.Participants, []int64{1, 3})
	expectIDs(t, "admins", got.Admins, []int64{1})
	if len(got.Messages) != 1 || got.Messages[0].OwnerID != 2 {
		t.Fatalf("expected the deleted user's message to remain, got %+v", got.Messages)
	}
	// Read receipts outlive the reader.
	expectIDs(t, "read by", got.Messages[0].ReadBy, []int64{2, 3})

	if err := s.DeleteUser(ctx, 2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// testRandomMutations applies a seeded random sequence of membership operations
// and checks the chat invariants after every step.
func testRandomMutations(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	users := []int64{1, 2, 3, 4, 5, 6}
	seedUsers(t, s, users...)

	sc := simple(t, s, 1, 2)
	grp := group(t, s, []int64{1, 2}, []int64{1})
	msg, err := s.CreateMessage(ctx, grp.ID, 1, membership.MessageText, "ping")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	pick := func() []int64 {
		n := 1 + rng.Intn(3)
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = int64(1 + rng.Intn(8))
		}
		return ids
	}

	var lastReadBy []int64
	for step := 0; step < 200; step++ {
		chatID := sc.ID
		if rng.Intn(2) == 0 {
			chatID = grp.ID
		}

		var err error
		switch rng.Intn(5) {
		case 0:
			_, err = s.AddParticipants(ctx, chatID, pick())
		case 1:
			_, err = s.RemoveParticipants(ctx, chatID, pick())
		case 2:
			_, err = s.AddAdmins(ctx, chatID, pick())
		case 3:
			_, err = s.RemoveAdmins(ctx, chatID, pick())
		case 4:
			_, err = s.MarkRead(ctx, grp.ID, msg.ID, pick())
		}
		if err != nil && !errors.Is(err, membership.ErrInvariantViolation) {
			t.Fatalf("step %d: unexpected error %v", step, err)
		}

		got := find(t, s, sc.ID)
		if len(got.Participants) > membership.SimpleChatParticipants {
			t.Fatalf("step %d: simple chat has %d participants", step, len(got.Participants))
		}
		if len(got.Admins) != 0 {
			t.Fatalf("step %d: simple chat has admins %v", step, got.Admins)
		}

		gc := find(t, s, grp.ID)
		if !membership.AdminsSubsetOfParticipants(gc) {
			t.Fatalf("step %d: admins %v not within participants %v", step, gc.Admins, gc.Participants)
		}
		readBy := gc.Messages[0].ReadBy
		for _, id := range lastReadBy {
			if !slices.Contains(readBy, id) {
				t.Fatalf("step %d: read-by shrank from %v to %v", step, lastReadBy, readBy)
			}
		}
		lastReadBy = readBy
	}
}

// testConcurrentAddsRespectCapacity races several writers for the one free
// seat of a simple chat.
func testConcurrentAddsRespectCapacity(t *testing.T, s store.Gateway) {
	ctx := context.Background()
	seedUsers(t, s, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	chat := simple(t, s, 1, 2)
	if _, err := s.RemoveParticipants(ctx, chat.ID, []int64{2}); err != nil {
		t.Fatalf("remove participant: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for id := int64(3); id <= 10; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddParticipants(ctx, chat.ID, []int64{id})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	added := 0
	for err := range errs {
		switch {
		case err == nil:
			added++
		case !errors.Is(err, membership.ErrInvariantViolation):
			t.Errorf("unexpected error %v", err)
		}
	}
	if added != 1 {
		t.Errorf("expected exactly one writer to take the seat, got %d", added)
	}
	if got := find(t, s, chat.ID); len(got.Participants) != membership.SimpleChatParticipants {
		t.Errorf("expected %d participants, got %v", membership.SimpleChatParticipants, got.Participants)
	}
}
