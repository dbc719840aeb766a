// Package memory is an in-process arena implementation of store.Gateway.
//
// Entities are kept in maps keyed by id and relationships in explicit
// association sets, so nothing holds a pointer to another entity.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/store"
)

type chatRecord struct {
	id        int64
	kind      membership.ChatKind
	title     string
	logo      string
	createdAt time.Time
}

type messageRecord struct {
	id        int64
	kind      membership.MessageKind
	content   string
	chatID    int64
	ownerID   int64
	createdAt time.Time
}

// edges is a many-to-many association keyed by its left side.
type edges map[int64]map[int64]struct{}

func (e edges) add(left, right int64) {
	set, ok := e[left]
	if !ok {
		set = make(map[int64]struct{})
		e[left] = set
	}
	set[right] = struct{}{}
}

func (e edges) remove(left, right int64) {
	if set, ok := e[left]; ok {
		delete(set, right)
		if len(set) == 0 {
			delete(e, left)
		}
	}
}

func (e edges) has(left, right int64) bool {
	_, ok := e[left][right]
	return ok
}

func (e edges) count(left int64) int {
	return len(e[left])
}

func (e edges) list(left int64) []int64 {
	out := make([]int64, 0, len(e[left]))
	for id := range e[left] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// removeRight drops every edge pointing at right.
func (e edges) removeRight(right int64) {
	for left := range e {
		e.remove(left, right)
	}
}

// Store is safe for concurrent use; a single lock makes every operation atomic.
type Store struct {
	mu sync.RWMutex

	nextChatID    int64
	nextMessageID int64
	now           func() time.Time

	users        map[int64]membership.User
	chats        map[int64]*chatRecord
	messages     map[int64]*messageRecord
	chatMessages map[int64][]int64

	participants edges
	admins       edges
	readBy       edges
}

var _ store.Gateway = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:          time.Now,
		users:        make(map[int64]membership.User),
		chats:        make(map[int64]*chatRecord),
		messages:     make(map[int64]*messageRecord),
		chatMessages: make(map[int64][]int64),
		participants: make(edges),
		admins:       make(edges),
		readBy:       make(edges),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
}

func (s *Store) chatView(rec *chatRecord, withMessages bool) *membership.Chat {
	chat := &membership.Chat{
		ID:           rec.id,
		Kind:         rec.kind,
		Title:        rec.title,
		Logo:         rec.logo,
		CreatedAt:    rec.createdAt,
		Participants: s.participants.list(rec.id),
		Admins:       s.admins.list(rec.id),
	}
	if withMessages {
		chat.Messages = s.messageViews(rec.id)
	}
	return chat
}

func (s *Store) messageView(rec *messageRecord) membership.Message {
	return membership.Message{
		ID:        rec.id,
		Kind:      rec.kind,
		Content:   rec.content,
		ChatID:    rec.chatID,
		OwnerID:   rec.ownerID,
		CreatedAt: rec.createdAt,
		ReadBy:    s.readBy.list(rec.id),
	}
}

func (s *Store) messageViews(chatID int64) []membership.Message {
	ids := s.chatMessages[chatID]
	out := make([]membership.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messageView(s.messages[id]))
	}
	return out
}

// FindChat returns the chat with its membership and messages.
func (s *Store) FindChat(_ context.Context, id int64) (*membership.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[id]
	if !ok {
		return nil, notFound("chat", id)
	}
	return s.chatView(rec, true), nil
}

// FindChatMembers returns the chat with its membership only.
func (s *Store) FindChatMembers(_ context.Context, id int64) (*membership.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[id]
	if !ok {
		return nil, notFound("chat", id)
	}
	return s.chatView(rec, false), nil
}

// ListChats returns every chat, newest first.
func (s *Store) ListChats(_ context.Context) ([]membership.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]membership.Chat, 0, len(s.chats))
	for _, rec := range s.chats {
		out = append(out, *s.chatView(rec, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CreateChat stores a new chat together with its planned members.
func (s *Store) CreateChat(_ context.Context, draft store.ChatDraft) (*membership.Chat, error) {
	if draft.Kind != membership.KindSimple && draft.Kind != membership.KindGroup {
		return nil, &membership.Violation{Kind: membership.UnknownChatKind, Detail: fmt.Sprintf("unknown chat type %q", draft.Kind)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	participants, admins, err := draft.Plan(func(id int64) bool {
		_, ok := s.users[id]
		return ok
	})
	if err != nil {
		return nil, err
	}

	s.nextChatID++
	rec := &chatRecord{
		id:        s.nextChatID,
		kind:      draft.Kind,
		title:     draft.Title,
		logo:      draft.Logo,
		createdAt: s.now(),
	}
	s.chats[rec.id] = rec
	for _, id := range participants {
		s.participants.add(rec.id, id)
	}
	for _, id := range admins {
		s.admins.add(rec.id, id)
	}
	return s.chatView(rec, false), nil
}

// UpdateChat applies patch to the chat's title and logo.
func (s *Store) UpdateChat(_ context.Context, id int64, patch membership.ChatPatch) (*membership.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[id]
	if !ok {
		return nil, notFound("chat", id)
	}
	if err := membership.ValidatePatch(rec.kind, patch); err != nil {
		return nil, err
	}

	view := s.chatView(rec, false)
	patch.Apply(view)
	rec.title, rec.logo = view.Title, view.Logo
	return view, nil
}

// DeleteChat cascades to messages, read receipts and membership edges.
func (s *Store) DeleteChat(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return notFound("chat", id)
	}
	for _, msgID := range s.chatMessages[id] {
		delete(s.readBy, msgID)
		delete(s.messages, msgID)
	}
	delete(s.chatMessages, id)
	delete(s.participants, id)
	delete(s.admins, id)
	delete(s.chats, id)
	return nil
}

// AddParticipants adds known users that are not yet participants. On a simple
// chat the whole call fails if the result would exceed two participants.
func (s *Store) AddParticipants(_ context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return membership.BatchResult{}, notFound("chat", chatID)
	}

	added, skipped := store.Partition(userIDs, func(id int64) bool {
		_, known := s.users[id]
		return known && !s.participants.has(chatID, id)
	})
	if err := membership.CheckParticipantCapacity(rec.kind, s.participants.count(chatID), len(added)); err != nil {
		return membership.BatchResult{}, err
	}
	for _, id := range added {
		s.participants.add(chatID, id)
	}
	return membership.BatchResult{Added: added, Skipped: skipped}, nil
}

// RemoveParticipants removes current participants, and their admin edge with them.
func (s *Store) RemoveParticipants(_ context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return membership.BatchResult{}, notFound("chat", chatID)
	}

	removed, skipped := store.Partition(userIDs, func(id int64) bool {
		return s.participants.has(chatID, id)
	})
	for _, id := range removed {
		s.participants.remove(chatID, id)
		s.admins.remove(chatID, id)
	}
	return membership.BatchResult{Added: removed, Skipped: skipped}, nil
}

// AddAdmins promotes participants. Simple chats reject the whole call.
func (s *Store) AddAdmins(_ context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return membership.BatchResult{}, notFound("chat", chatID)
	}
	if err := membership.CheckAdminsAllowed(rec.kind); err != nil {
		return membership.BatchResult{}, err
	}

	added, skipped := store.Partition(userIDs, func(id int64) bool {
		return s.participants.has(chatID, id) && !s.admins.has(chatID, id)
	})
	for _, id := range added {
		s.admins.add(chatID, id)
	}
	return membership.BatchResult{Added: added, Skipped: skipped}, nil
}

// RemoveAdmins demotes current admins; they stay participants.
func (s *Store) RemoveAdmins(_ context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return membership.BatchResult{}, notFound("chat", chatID)
	}

	removed, skipped := store.Partition(userIDs, func(id int64) bool {
		return s.admins.has(chatID, id)
	})
	for _, id := range removed {
		s.admins.remove(chatID, id)
	}
	return membership.BatchResult{Added: removed, Skipped: skipped}, nil
}

// CreateMessage appends a message to the chat.
func (s *Store) CreateMessage(_ context.Context, chatID, ownerID int64, kind membership.MessageKind, content string) (*membership.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, notFound("chat", chatID)
	}

	s.nextMessageID++
	rec := &messageRecord{
		id:        s.nextMessageID,
		kind:      kind,
		content:   content,
		chatID:    chatID,
		ownerID:   ownerID,
		createdAt: s.now(),
	}
	s.messages[rec.id] = rec
	s.chatMessages[chatID] = append(s.chatMessages[chatID], rec.id)

	msg := s.messageView(rec)
	return &msg, nil
}

// ListMessages returns the chat's messages in arrival order.
func (s *Store) ListMessages(_ context.Context, chatID int64) ([]membership.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, notFound("chat", chatID)
	}
	return s.messageViews(chatID), nil
}

// MarkRead adds participants to the message's read-by set. The set never shrinks.
func (s *Store) MarkRead(_ context.Context, chatID, messageID int64, userIDs []int64) (membership.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return membership.BatchResult{}, notFound("chat", chatID)
	}
	msg, ok := s.messages[messageID]
	if !ok || msg.chatID != chatID {
		return membership.BatchResult{}, notFound("message", messageID)
	}

	added, skipped := store.Partition(userIDs, func(id int64) bool {
		return s.participants.has(chatID, id) && !s.readBy.has(messageID, id)
	})
	for _, id := range added {
		s.readBy.add(messageID, id)
	}
	return membership.BatchResult{Added: added, Skipped: skipped}, nil
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(_ context.Context, user membership.User) (*membership.User, error) {
	if user.ID <= 0 {
		return nil, fmt.Errorf("user id %d must be positive: %w", user.ID, store.ErrConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	return &user, nil
}

// DeleteUser forgets the user and every edge that mentions them.
func (s *Store) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return notFound("user", id)
	}
	delete(s.users, id)
	s.participants.removeRight(id)
	s.admins.removeRight(id)
	return nil
}

// UserExists reports whether the user is known.
func (s *Store) UserExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[id]
	return ok, nil
}
