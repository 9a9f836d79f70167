package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is a single encrypted chat line. Messages are append-only:
// they are never edited and only removed by the retention sweep.
type Message struct {
	// ID is the server-assigned identifier (UUID).
	ID string `gorm:"type:uuid;primaryKey" json:"id"`
	// RoomID is the owning room.
	RoomID string `gorm:"type:uuid;not null;index:idx_room_created,priority:1" json:"room_id"`
	// SenderID is the anonymous ID of the author.
	SenderID string `gorm:"type:text;not null" json:"sender_id"`
	// Content is the base64 AES-GCM ciphertext.
	Content string `gorm:"type:text;not null" json:"content"`
	// IV is the base64 nonce used to seal Content.
	IV string `gorm:"type:text;not null" json:"iv"`
	// CreatedAt is assigned by the store and defines the order within a room.
	CreatedAt time.Time `gorm:"index:idx_room_created,priority:2" json:"created_at"`
}

// BeforeCreate generates a UUID for the message if none was assigned.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// Before reports whether m sorts before o in display order.
// Ties on CreatedAt are broken by ID so the order is total.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// RoomKey is the per-room symmetric key, stored sealed with the server
// key-wrapping secret so the plain key never reaches the database.
type RoomKey struct {
	RoomID     string    `gorm:"type:uuid;primaryKey" json:"room_id"`
	WrappedKey string    `gorm:"type:text;not null" json:"wrapped_key"`
	IV         string    `gorm:"type:text;not null" json:"iv"`
	SharedBy   string    `gorm:"type:text;not null" json:"shared_by"`
	CreatedAt  time.Time `json:"created_at"`
}
