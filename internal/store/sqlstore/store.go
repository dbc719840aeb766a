// Package sqlstore implements store.Gateway on gorm. Each operation runs in its
// own transaction so batch membership changes are all-or-nothing.
//
// Mutations lock the chat row FOR UPDATE before reading the membership they
// validate against, and lock the user rows they reference FOR SHARE, so
// concurrent writers on postgres serialize per chat. sqlite drops the locking
// clause and serializes on its single connection instead.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/groupchat/internal/membership"
	"github.com/Tyrowin/groupchat/internal/store"
)

// Store is a gorm-backed gateway.
type Store struct {
	db *gorm.DB
}

var _ store.Gateway = (*Store)(nil)

// New wraps an already migrated connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func mapNotFound(err error, what string, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return err
}

const (
	lockUpdate = "UPDATE"
	lockShare  = "SHARE"
)

func loadChat(tx *gorm.DB, id int64) (*chatRecord, error) {
	var rec chatRecord
	if err := tx.First(&rec, id).Error; err != nil {
		return nil, mapNotFound(err, "chat", id)
	}
	return &rec, nil
}

func lockChat(tx *gorm.DB, id int64, strength string) (*chatRecord, error) {
	return loadChat(tx.Clauses(clause.Locking{Strength: strength}), id)
}

// loadChatForUpdate holds the chat row until the transaction ends.
func loadChatForUpdate(tx *gorm.DB, id int64) (*chatRecord, error) {
	return lockChat(tx, id, lockUpdate)
}

// knownUsers returns the ids among ids that have a user row, keeping those
// rows from being deleted until the transaction ends.
func knownUsers(tx *gorm.DB, ids []int64) (map[int64]struct{}, error) {
	known := []int64{}
	if len(ids) > 0 {
		err := tx.Model(&userRecord{}).
			Clauses(clause.Locking{Strength: lockShare}).
			Where("id IN ?", ids).
			Pluck("id", &known).Error
		if err != nil {
			return nil, err
		}
	}
	return idSet(known), nil
}

func pluckUsers(tx *gorm.DB, model any, column string, key int64) ([]int64, error) {
	ids := []int64{}
	err := tx.Model(model).Where(column+" = ?", key).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func fillMembers(tx *gorm.DB, chat *membership.Chat) error {
	var err error
	if chat.Participants, err = pluckUsers(tx, &participantEdge{}, "chat_id", chat.ID); err != nil {
		return err
	}
	chat.Admins, err = pluckUsers(tx, &adminEdge{}, "chat_id", chat.ID)
	return err
}

func listMessages(tx *gorm.DB, chatID int64) ([]membership.Message, error) {
	var recs []messageRecord
	if err := tx.Where("chat_id = ?", chatID).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return []membership.Message{}, nil
	}

	ids := make([]int64, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	var reads []readEdge
	if err := tx.Where("message_id IN ?", ids).Order("user_id").Find(&reads).Error; err != nil {
		return nil, err
	}
	readBy := make(map[int64][]int64, len(recs))
	for _, r := range reads {
		readBy[r.MessageID] = append(readBy[r.MessageID], r.UserID)
	}

	out := make([]membership.Message, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage(readBy[recs[i].ID])
	}
	return out, nil
}

func (s *Store) FindChat(ctx context.Context, id int64) (*membership.Chat, error) {
	var chat *membership.Chat
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec, err := loadChat(tx, id)
		if err != nil {
			return err
		}
		chat = rec.toChat()
		if err := fillMembers(tx, chat); err != nil {
			return err
		}
		chat.Messages, err = listMessages(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) FindChatMembers(ctx context.Context, id int64) (*membership.Chat, error) {
	var chat *membership.Chat
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec, err := loadChat(tx, id)
		if err != nil {
			return err
		}
		chat = rec.toChat()
		return fillMembers(tx, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) ListChats(ctx context.Context) ([]membership.Chat, error) {
	var out []membership.Chat
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var recs []chatRecord
		if err := tx.Order("id DESC").Find(&recs).Error; err != nil {
			return err
		}
		out = make([]membership.Chat, 0, len(recs))
		for i := range recs {
			chat := recs[i].toChat()
			if err := fillMembers(tx, chat); err != nil {
				return err
			}
			out = append(out, *chat)
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateChat(ctx context.Context, draft store.ChatDraft) (*membership.Chat, error) {
	if draft.Kind != membership.KindSimple && draft.Kind != membership.KindGroup {
		return nil, &membership.Violation{Kind: membership.UnknownChatKind, Detail: fmt.Sprintf("unknown chat type %q", draft.Kind)}
	}
	var chat *membership.Chat
	err := s.tx(ctx, func(tx *gorm.DB) error {
		users, err := knownUsers(tx, draft.Participants)
		if err != nil {
			return err
		}
		participants, admins, err := draft.Plan(func(id int64) bool {
			_, ok := users[id]
			return ok
		})
		if err != nil {
			return err
		}

		rec := chatRecord{Type: string(draft.Kind), Title: draft.Title, Logo: draft.Logo}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if len(participants) > 0 {
			edges := make([]participantEdge, len(participants))
			for i, id := range participants {
				edges[i] = participantEdge{ChatID: rec.ID, UserID: id}
			}
			if err := tx.Create(&edges).Error; err != nil {
				return err
			}
		}
		if len(admins) > 0 {
			edges := make([]adminEdge, len(admins))
			for i, id := range admins {
				edges[i] = adminEdge{ChatID: rec.ID, UserID: id}
			}
			if err := tx.Create(&edges).Error; err != nil {
				return err
			}
		}
		chat = rec.toChat()
		return fillMembers(tx, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) UpdateChat(ctx context.Context, id int64, patch membership.ChatPatch) (*membership.Chat, error) {
	var chat *membership.Chat
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec, err := loadChatForUpdate(tx, id)
		if err != nil {
			return err
		}
		if err := membership.ValidatePatch(membership.ChatKind(rec.Type), patch); err != nil {
			return err
		}
		chat = rec.toChat()
		patch.Apply(chat)
		err = tx.Model(rec).Updates(map[string]any{"title": chat.Title, "logo": chat.Logo}).Error
		if err != nil {
			return err
		}
		return fillMembers(tx, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *Store) DeleteChat(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := loadChatForUpdate(tx, id); err != nil {
			return err
		}
		msgIDs := tx.Model(&messageRecord{}).Select("id").Where("chat_id = ?", id)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&readEdge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&participantEdge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&adminEdge{}).Error; err != nil {
			return err
		}
		return tx.Delete(&chatRecord{}, id).Error
	})
}

func (s *Store) AddParticipants(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	var res membership.BatchResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec, err := loadChatForUpdate(tx, chatID)
		if err != nil {
			return err
		}
		users, err := knownUsers(tx, userIDs)
		if err != nil {
			return err
		}
		current, err := pluckUsers(tx, &participantEdge{}, "chat_id", chatID)
		if err != nil {
			return err
		}
		members := idSet(current)

		res.Added, res.Skipped = store.Partition(userIDs, func(id int64) bool {
			_, isUser := users[id]
			_, isMember := members[id]
			return isUser && !isMember
		})
		if err := membership.CheckParticipantCapacity(membership.ChatKind(rec.Type), len(current), len(res.Added)); err != nil {
			return err
		}
		if len(res.Added) == 0 {
			return nil
		}
		edges := make([]participantEdge, len(res.Added))
		for i, id := range res.Added {
			edges[i] = participantEdge{ChatID: chatID, UserID: id}
		}
		return tx.Create(&edges).Error
	})
	if err != nil {
		return membership.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) RemoveParticipants(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	var res membership.BatchResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := loadChatForUpdate(tx, chatID); err != nil {
			return err
		}
		current, err := pluckUsers(tx, &participantEdge{}, "chat_id", chatID)
		if err != nil {
			return err
		}
		members := idSet(current)
		res.Added, res.Skipped = store.Partition(userIDs, func(id int64) bool {
			_, ok := members[id]
			return ok
		})
		if len(res.Added) == 0 {
			return nil
		}
		if err := tx.Where("chat_id = ? AND user_id IN ?", chatID, res.Added).Delete(&adminEdge{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ? AND user_id IN ?", chatID, res.Added).Delete(&participantEdge{}).Error
	})
	if err != nil {
		return membership.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) AddAdmins(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	var res membership.BatchResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec, err := loadChatForUpdate(tx, chatID)
		if err != nil {
			return err
		}
		if err := membership.CheckAdminsAllowed(membership.ChatKind(rec.Type)); err != nil {
			return err
		}
		users, err := knownUsers(tx, userIDs)
		if err != nil {
			return err
		}
		chat := rec.toChat()
		if err := fillMembers(tx, chat); err != nil {
			return err
		}
		admins := idSet(chat.Admins)
		res.Added, res.Skipped = store.Partition(userIDs, func(id int64) bool {
			_, isUser := users[id]
			_, already := admins[id]
			return isUser && membership.CanBecomeAdmin(id, chat) && !already
		})
		if len(res.Added) == 0 {
			return nil
		}
		edges := make([]adminEdge, len(res.Added))
		for i, id := range res.Added {
			edges[i] = adminEdge{ChatID: chatID, UserID: id}
		}
		return tx.Create(&edges).Error
	})
	if err != nil {
		return membership.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) RemoveAdmins(ctx context.Context, chatID int64, userIDs []int64) (membership.BatchResult, error) {
	var res membership.BatchResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := loadChatForUpdate(tx, chatID); err != nil {
			return err
		}
		current, err := pluckUsers(tx, &adminEdge{}, "chat_id", chatID)
		if err != nil {
			return err
		}
		admins := idSet(current)
		res.Added, res.Skipped = store.Partition(userIDs, func(id int64) bool {
			_, ok := admins[id]
			return ok
		})
		if len(res.Added) == 0 {
			return nil
		}
		return tx.Where("chat_id = ? AND user_id IN ?", chatID, res.Added).Delete(&adminEdge{}).Error
	})
	if err != nil {
		return membership.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) CreateMessage(ctx context.Context, chatID, ownerID int64, kind membership.MessageKind, content string) (*membership.Message, error) {
	var msg membership.Message
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := lockChat(tx, chatID, lockShare); err != nil {
			return err
		}
		rec := messageRecord{Type: string(kind), Content: content, ChatID: chatID, OwnerID: ownerID}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		msg = rec.toMessage(nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]membership.Message, error) {
	var out []membership.Message
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := loadChat(tx, chatID); err != nil {
			return err
		}
		var err error
		out, err = listMessages(tx, chatID)
		return err
	})
	return out, err
}

func (s *Store) MarkRead(ctx context.Context, chatID, messageID int64, userIDs []int64) (membership.BatchResult, error) {
	var res membership.BatchResult
	err := s.tx(ctx, func(tx *gorm.DB) error {
		if _, err := loadChatForUpdate(tx, chatID); err != nil {
			return err
		}
		var msg messageRecord
		if err := tx.Where("id = ? AND chat_id = ?", messageID, chatID).First(&msg).Error; err != nil {
			return mapNotFound(err, "message", messageID)
		}
		current, err := pluckUsers(tx, &participantEdge{}, "chat_id", chatID)
		if err != nil {
			return err
		}
		read, err := pluckUsers(tx, &readEdge{}, "message_id", messageID)
		if err != nil {
			return err
		}
		members, readers := idSet(current), idSet(read)
		res.Added, res.Skipped = store.Partition(userIDs, func(id int64) bool {
			_, isMember := members[id]
			_, hasRead := readers[id]
			return isMember && !hasRead
		})
		if len(res.Added) == 0 {
			return nil
		}
		edges := make([]readEdge, len(res.Added))
		for i, id := range res.Added {
			edges[i] = readEdge{MessageID: messageID, UserID: id}
		}
		return tx.Create(&edges).Error
	})
	if err != nil {
		return membership.BatchResult{}, err
	}
	return res, nil
}

func (s *Store) PutUser(ctx context.Context, user membership.User) (*membership.User, error) {
	if user.ID <= 0 {
		return nil, fmt.Errorf("user id %d must be positive: %w", user.ID, store.ErrConflict)
	}
	var out membership.User
	err := s.tx(ctx, func(tx *gorm.DB) error {
		rec := userRecord{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email"}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}
		if err := tx.First(&rec, user.ID).Error; err != nil {
			return err
		}
		out = membership.User{ID: rec.ID, Email: rec.Email, CreatedAt: rec.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		var rec userRecord
		if err := tx.Clauses(clause.Locking{Strength: lockUpdate}).First(&rec, id).Error; err != nil {
			return mapNotFound(err, "user", id)
		}
		for _, model := range []any{&participantEdge{}, &adminEdge{}} {
			if err := tx.Where("user_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&rec).Error
	})
}

func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
