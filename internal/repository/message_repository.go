package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/abhinavkale-dev/ChatPulse/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append assigns the message id and the authoritative server timestamp,
// then durably commits the record. The returned message is the canonical
// copy that gets cached and broadcast.
func (r *MessageRepository) Append(room, sender, body string, user model.ChatUser) (*model.Message, error) {
	msg := &model.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Body:      body,
		Room:      room,
		CreatedAt: time.Now().UTC(),
		User:      user,
	}
	if err := r.db.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("append message failed: %w", err)
	}
	return msg, nil
}

func (r *MessageRepository) ListByRoom(room string) ([]model.Message, error) {
	var messages []model.Message
	if err := r.db.Where("room = ?", room).Order("created_at ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// DeleteOlderThan removes every message belonging to a room whose latest
// activity predates the cutoff. It returns the purged room ids so callers
// can drop the matching cache entries.
func (r *MessageRepository) DeleteOlderThan(cutoff time.Time) ([]string, int64, error) {
	var rooms []string
	err := r.db.Model(&model.Message{}).
		Select("room").
		Group("room").
		Having("MAX(created_at) < ?", cutoff).
		Pluck("room", &rooms).Error
	if err != nil {
		return nil, 0, fmt.Errorf("query idle rooms failed: %w", err)
	}
	if len(rooms) == 0 {
		return nil, 0, nil
	}

	res := r.db.Where("room IN ?", rooms).Delete(&model.Message{})
	if res.Error != nil {
		return nil, 0, fmt.Errorf("delete idle room messages failed: %w", res.Error)
	}
	return rooms, res.RowsAffected, nil
}

func (r *MessageRepository) DeleteAll() (int64, error) {
	res := r.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete all messages failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *MessageRepository) Count() (int64, error) {
	var count int64
	if err := r.db.Model(&model.Message{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return count, nil
}
