package server

import (
	"sync"
)

type registryShard[C comparable] struct {
	mu    sync.RWMutex
	chats map[int64]map[C]struct{}
}

// Registry maps chat ids to the live connections subscribed to them. Chats are
// spread over independently locked shards, so traffic on one chat never waits
// on another chat's lock unless they share a shard.
type Registry[C comparable] struct {
	shards []*registryShard[C]
}

// NewRegistry returns an empty registry with n shards (at least one).
func NewRegistry[C comparable](n int) *Registry[C] {
	if n <= 0 {
		n = 1
	}
	r := &Registry[C]{shards: make([]*registryShard[C], n)}
	for i := range r.shards {
		r.shards[i] = &registryShard[C]{chats: make(map[int64]map[C]struct{})}
	}
	return r
}

func (r *Registry[C]) shard(chatID int64) *registryShard[C] {
	idx := uint64(chatID) % uint64(len(r.shards))
	return r.shards[idx]
}

// Subscribe adds conn to chatID's set, creating the set on first use. Adding
// the same connection twice is a no-op.
func (r *Registry[C]) Subscribe(chatID int64, conn C) {
	s := r.shard(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.chats[chatID]
	if !ok {
		set = make(map[C]struct{})
		s.chats[chatID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes conn and drops the chat entry once it has no
// connections left. It reports whether conn was subscribed.
func (r *Registry[C]) Unsubscribe(chatID int64, conn C) bool {
	s := r.shard(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.chats[chatID]
	if !ok {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(s.chats, chatID)
	}
	return true
}

// ConnectionsFor returns a snapshot of chatID's connections. The slice is the
// caller's to keep.
func (r *Registry[C]) ConnectionsFor(chatID int64) []C {
	s := r.shard(chatID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.chats[chatID]
	out := make([]C, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// HasChat reports whether chatID has an entry.
func (r *Registry[C]) HasChat(chatID int64) bool {
	s := r.shard(chatID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.chats[chatID]
	return ok
}

// ChatCount is the number of chats with at least one connection.
func (r *Registry[C]) ChatCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.chats)
		s.mu.RUnlock()
	}
	return n
}

// All returns a snapshot of every subscribed connection.
func (r *Registry[C]) All() []C {
	var out []C
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.chats {
			for conn := range set {
				out = append(out, conn)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
