package membership

import (
	"slices"
	"time"
)

// ChatKind distinguishes two-person chats from group chats.
type ChatKind string

const (
	KindSimple ChatKind = "simple"
	KindGroup  ChatKind = "group"
)

// ParseChatKind maps the wire value to a ChatKind. An empty value selects a
// simple chat.
func ParseChatKind(s string) (ChatKind, bool) {
	switch ChatKind(s) {
	case "", KindSimple:
		return KindSimple, true
	case KindGroup:
		return KindGroup, true
	default:
		return "", false
	}
}

// MessageKind is the payload kind of a message.
type MessageKind string

const (
	MessageText MessageKind = "text"
	MessageFile MessageKind = "file"
)

// ParseMessageKind maps the wire value to a MessageKind. An empty value selects
// a text message.
func ParseMessageKind(s string) (MessageKind, bool) {
	switch MessageKind(s) {
	case "", MessageText:
		return MessageText, true
	case MessageFile:
		return MessageFile, true
	default:
		return "", false
	}
}

// MaxContentLength is the default cap on message content, in characters.
const MaxContentLength = 256

// SimpleChatParticipants is the exact participant count of a simple chat.
const SimpleChatParticipants = 2

// Chat is a container of messages shared by a set of participants. Membership is
// expressed as id sets, never as references to user values.
type Chat struct {
	ID           int64     `json:"id"`
	Kind         ChatKind  `json:"type"`
	Title        string    `json:"title"`
	Logo         string    `json:"logo"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []int64   `json:"participants"`
	Admins       []int64   `json:"admins"`
	Messages     []Message `json:"messages,omitempty"`
}

// IsParticipant reports whether userID is in the participant set.
func (c *Chat) IsParticipant(userID int64) bool {
	return slices.Contains(c.Participants, userID)
}

// IsAdmin reports whether userID is in the admin set.
func (c *Chat) IsAdmin(userID int64) bool {
	return slices.Contains(c.Admins, userID)
}

// Message is owned by exactly one chat. OwnerID is a weak reference: the owner
// may no longer exist.
type Message struct {
	ID        int64       `json:"id"`
	Kind      MessageKind `json:"type"`
	Content   string      `json:"content"`
	ChatID    int64       `json:"chat_id"`
	OwnerID   int64       `json:"owner_id"`
	CreatedAt time.Time   `json:"created_at"`
	ReadBy    []int64     `json:"read_by"`
}

// HasBeenReadBy reports whether userID is in the read-by set.
func (m *Message) HasBeenReadBy(userID int64) bool {
	return slices.Contains(m.ReadBy, userID)
}

// User is the minimal view of an account the chat core needs.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchResult reports the outcome of a best-effort batch mutation. Ids that were
// unknown, ineligible, duplicated or already applied end up in Skipped.
type BatchResult struct {
	Added   []int64 `json:"added"`
	Skipped []int64 `json:"skipped"`
}

// NewBatchResult returns a result with non-nil, empty lists.
func NewBatchResult() BatchResult {
	return BatchResult{Added: []int64{}, Skipped: []int64{}}
}
