package sqlstore

import (
	"time"

	"github.com/Tyrowin/groupchat/internal/membership"
)

type chatRecord struct {
	ID        int64  `gorm:"primaryKey"`
	Type      string `gorm:"size:16;not null"`
	Title     string `gorm:"size:128"`
	Logo      string `gorm:"size:256"`
	CreatedAt time.Time
}

func (chatRecord) TableName() string { return "chats" }

type messageRecord struct {
	ID        int64  `gorm:"primaryKey"`
	Type      string `gorm:"size:16;not null"`
	Content   string `gorm:"size:1024"`
	ChatID    int64  `gorm:"index;not null"`
	OwnerID   int64  `gorm:"index;not null"`
	CreatedAt time.Time
}

func (messageRecord) TableName() string { return "messages" }

type userRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Email     string `gorm:"size:256"`
	CreatedAt time.Time
}

func (userRecord) TableName() string { return "users" }

type participantEdge struct {
	ChatID int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID int64 `gorm:"primaryKey;autoIncrement:false;index"`
}

func (participantEdge) TableName() string { return "chat_user_participant" }

type adminEdge struct {
	ChatID int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID int64 `gorm:"primaryKey;autoIncrement:false;index"`
}

func (adminEdge) TableName() string { return "chat_user_admin" }

type readEdge struct {
	MessageID int64 `gorm:"primaryKey;autoIncrement:false"`
	UserID    int64 `gorm:"primaryKey;autoIncrement:false;index"`
}

func (readEdge) TableName() string { return "user_message_read" }

func allModels() []any {
	return []any{
		&chatRecord{}, &messageRecord{}, &userRecord{},
		&participantEdge{}, &adminEdge{}, &readEdge{},
	}
}

func (r *chatRecord) toChat() *membership.Chat {
	return &membership.Chat{
		ID:           r.ID,
		Kind:         membership.ChatKind(r.Type),
		Title:        r.Title,
		Logo:         r.Logo,
		CreatedAt:    r.CreatedAt,
		Participants: []int64{},
		Admins:       []int64{},
	}
}

func (r *messageRecord) toMessage(readBy []int64) membership.Message {
	if readBy == nil {
		readBy = []int64{}
	}
	return membership.Message{
		ID:        r.ID,
		Kind:      membership.MessageKind(r.Type),
		Content:   r.Content,
		ChatID:    r.ChatID,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt,
		ReadBy:    readBy,
	}
}
