// Package store defines the persistence gateway the chat core consumes: keyed
// CRUD over chats and messages plus best-effort membership mutations.
//
// Two implementations live in sub-packages: memory (an arena of records and
// association sets, used for development and tests) and sqlstore (gorm over
// sqlite or postgres). Every operation is individually atomic.
package store

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/Tyrowin/groupchat/internal/membership"
)

var (
	// ErrNotFound is returned when a chat, message or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")
)

// ChatDraft holds the fields of a chat at creation time, including the ids
// requested as its initial participants and admins.
type ChatDraft struct {
	Kind         membership.ChatKind
	Title        string
	Logo         string
	Participants []int64
	Admins       []int64
}

// Plan resolves the members a gateway will store for d. known reports whether
// a user exists. The creation rules are checked against the distinct ids
// requested and again against the resolved members: known participants and
// the admins among them.
func (d ChatDraft) Plan(known func(int64) bool) (participants, admins []int64, err error) {
	requested, _ := membership.Distinct(d.Participants)
	requestedAdmins, _ := membership.Distinct(d.Admins)
	if err := membership.ValidateChatCreation(d.Kind, len(requested), len(requestedAdmins), d.Title, d.Logo); err != nil {
		return nil, nil, err
	}

	participants, _ = Partition(requested, known)
	switch {
	case d.Kind == membership.KindSimple && len(participants) != len(requested):
		return nil, nil, &membership.Violation{
			Kind:   membership.SimpleParticipantCount,
			Detail: "Simple chat participants must be existing users",
		}
	case len(requested) > 0 && len(participants) == 0:
		return nil, nil, &membership.Violation{
			Kind:   membership.GroupTooFewParticipants,
			Detail: "Group chat should have at least 2 participants",
		}
	}
	admins, _ = Partition(requestedAdmins, func(id int64) bool {
		return slices.Contains(participants, id)
	})
	if err := membership.ValidateChatCreation(d.Kind, len(participants), len(admins), d.Title, d.Logo); err != nil {
		return nil, nil, err
	}
	return participants, admins, nil
}

// Skipped lists the distinct requested ids that did not end up on chat.
func (d ChatDraft) Skipped(chat *membership.Chat) (participants, admins []int64) {
	requested, _ := membership.Distinct(d.Participants)
	requestedAdmins, _ := membership.Distinct(d.Admins)
	_, participants = Partition(requested, chat.IsParticipant)
	_, admins = Partition(requestedAdmins, chat.IsAdmin)
	return participants, admins
}

// ChatStore persists chats and their membership edges.
type ChatStore interface {
	// FindChat returns the chat with its members and full message history.
	FindChat(ctx context.Context, id int64) (*membership.Chat, error)
	// FindChatMembers returns the chat and its members only.
	FindChatMembers(ctx context.Context, id int64) (*membership.Chat, error)
	// ListChats returns chats most recently created first, without messages.
	ListChats(ctx context.Context) ([]membership.Chat, error)
	// CreateChat stores the chat and its initial members in one step. Nothing
	// is stored when draft.Plan fails.
	CreateChat(ctx context.Context, draft ChatDraft) (*membership.Chat, error)
	UpdateChat(ctx context.Context, id int64, patch membership.ChatPatch) (*membership.Chat, error)
	// DeleteChat removes the chat together with its messages and edges.
	DeleteChat(ctx context.Context, id int64) error

	AddParticipants(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error)
	RemoveParticipants(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error)
	AddAdmins(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error)
	RemoveAdmins(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error)
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	CreateMessage(ctx context.Context, chatID, ownerID int64, kind membership.MessageKind, content string) (*membership.Message, error)
	// ListMessages returns the messages of a chat in arrival order.
	ListMessages(ctx context.Context, chatID int64) ([]membership.Message, error)
	MarkRead(ctx context.Context, chatID, messageID int64, userIDs []int64) (membership.BatchResult, error)
}

// UserDirectory is the slice of the account store the chat core relies on.
type UserDirectory interface {
	PutUser(ctx context.Context, user membership.User) (*membership.User, error)
	// DeleteUser drops the user's membership edges. Their messages and read
	// receipts stay, referring to the id weakly.
	DeleteUser(ctx context.Context, id int64) error
	UserExists(ctx context.Context, id int64) (bool, error)
}

// Gateway is the full persistence contract.
type Gateway interface {
	ChatStore
	MessageStore
	UserDirectory
	io.Closer
}

// Partition walks ids in order and splits them into the ones accepted by
// eligible and the skipped rest. Repeated ids are skipped after their first
// occurrence. Both lists are non-nil.
func Partition(ids []int64, eligible func(int64) bool) (accepted, skipped []int64) {
	accepted, skipped = []int64{}, []int64{}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			skipped = append(skipped, id)
			continue
		}
		seen[id] = struct{}{}
		if eligible(id) {
			accepted = append(accepted, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return accepted, skipped
}
