package server_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/Tyrowin/groupchat/internal/server"
)

// TestRegistrySubscribe verifies set semantics per chat.
func TestRegistrySubscribe(t *testing.T) {
	r := server.NewRegistry[string](4)

	r.Subscribe(1, "a")
	r.Subscribe(1, "b")
	r.Subscribe(1, "a")
	r.Subscribe(2, "c")

	conns := r.ConnectionsFor(1)
	slices.Sort(conns)
	if !slices.Equal(conns, []string{"a", "b"}) {
		t.Errorf("Expected [a b] for chat 1, got %v", conns)
	}
	if got := r.ChatCount(); got != 2 {
		t.Errorf("Expected 2 chats, got %d", got)
	}
	if got := len(r.All()); got != 3 {
		t.Errorf("Expected 3 connections overall, got %d", got)
	}
	if got := r.ConnectionsFor(99); len(got) != 0 {
		t.Errorf("Expected no connections for unknown chat, got %v", got)
	}
}

// TestRegistryUnsubscribeDropsEmptyChat verifies the last unsubscribe removes
// the chat entry entirely.
func TestRegistryUnsubscribeDropsEmptyChat(t *testing.T) {
	r := server.NewRegistry[string](1)
	r.Subscribe(5, "a")
	r.Subscribe(5, "b")

	if !r.Unsubscribe(5, "a") {
		t.Fatal("first unsubscribe should report true")
	}
	if r.Unsubscribe(5, "a") {
		t.Error("second unsubscribe of the same connection should report false")
	}
	if !r.HasChat(5) {
		t.Fatal("chat should remain while b is subscribed")
	}
	r.Unsubscribe(5, "b")
	if r.HasChat(5) {
		t.Error("chat entry should be removed with its last connection")
	}
	if r.Unsubscribe(5, "b") {
		t.Error("unsubscribe from a missing chat should report false")
	}
	if r.ChatCount() != 0 {
		t.Errorf("Expected empty registry, got %d chats", r.ChatCount())
	}
}

// TestRegistrySnapshotIsDetached verifies callers can keep ConnectionsFor
// results while the registry changes.
func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := server.NewRegistry[int](0)
	r.Subscribe(1, 10)
	snapshot := r.ConnectionsFor(1)
	r.Unsubscribe(1, 10)

	if len(snapshot) != 1 || snapshot[0] != 10 {
		t.Errorf("snapshot changed after unsubscribe: %v", snapshot)
	}
}

// TestRegistryConcurrentAccess exercises the shard locks from many goroutines.
// Run with -race.
func TestRegistryConcurrentAccess(t *testing.T) {
	r := server.NewRegistry[int](8)
	const workers = 50
	const chats = 7

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(conn int) {
			defer wg.Done()
			chatID := int64(conn % chats)
			r.Subscribe(chatID, conn)
			_ = r.ConnectionsFor(chatID)
			_ = r.ChatCount()
			r.Unsubscribe(chatID, conn)
		}(w)
	}
	wg.Wait()

	if r.ChatCount() != 0 {
		t.Errorf("Expected no chats after all unsubscribes, got %d", r.ChatCount())
	}
}
