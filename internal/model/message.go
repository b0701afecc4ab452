package model

import "time"

// ChatUser is the sender identity embedded in every persisted message.
// Avatar is nullable; clients fall back to a generated avatar.
type ChatUser struct {
	Email  string  `gorm:"column:user_email;size:128;not null;index" json:"email"`
	Avatar *string `gorm:"column:user_avatar;size:512" json:"avatar,omitempty"`
}

// Message is the canonical persisted chat record. Once written it is
// immutable; CreatedAt is assigned server-side at persistence time and is
// the authoritative display order within a room.
type Message struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Sender    string    `gorm:"size:64;not null;index" json:"sender"`
	Body      string    `gorm:"column:message;type:text;not null" json:"message"`
	Room      string    `gorm:"size:64;not null;index:idx_room_created,priority:1" json:"room"`
	CreatedAt time.Time `gorm:"index:idx_room_created,priority:2" json:"createdAt"`
	User      ChatUser  `gorm:"embedded" json:"user"`
}
