package model

import "time"

// User rows are written by the account service; the relay only reads them
// to re-resolve a sender's email before persisting a message.
type User struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:64" json:"name"`
	Email     string    `gorm:"size:128;not null;uniqueIndex" json:"email"`
	Avatar    *string   `gorm:"size:512" json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
