package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Mood is the label both participants picked before being paired.
// The set is closed; ParseMood rejects anything outside it.
type Mood string

const (
	MoodHappy   Mood = "happy"
	MoodSad     Mood = "sad"
	MoodExcited Mood = "excited"
	MoodAnxious Mood = "anxious"
	MoodCalm    Mood = "calm"
	MoodAngry   Mood = "angry"
)

// ErrUnknownMood is returned by ParseMood for labels outside the closed set.
var ErrUnknownMood = errors.New("unknown mood")

// Moods lists every supported mood in display order.
var Moods = []Mood{MoodHappy, MoodSad, MoodExcited, MoodAnxious, MoodCalm, MoodAngry}

// ParseMood validates a raw mood label.
func ParseMood(s string) (Mood, error) {
	for _, m := range Moods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", ErrUnknownMood
}

// RoomStatus is the lifecycle state of a Room. It only moves forward:
// waiting -> active -> ended (a waiting room may also end directly).
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusActive  RoomStatus = "active"
	StatusEnded   RoomStatus = "ended"
)

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusEnded
	case StatusActive:
		return next == StatusEnded
	default:
		return false
	}
}

// Room is the two-party pairing record gating a chat session.
type Room struct {
	// ID is the server-assigned identifier (UUID).
	ID string `gorm:"type:uuid;primaryKey" json:"id"`
	// Mood both participants selected.
	Mood Mood `gorm:"type:text;not null;index:idx_rooms_match,priority:1" json:"mood"`
	// User1ID is the creator and owner of the room. Never empty.
	User1ID string `gorm:"type:text;not null;index" json:"user1_id"`
	// User2ID is the joiner; nil until the room is claimed, set exactly once.
	User2ID *string `gorm:"type:text;index" json:"user2_id"`
	// Status is the lifecycle state, see RoomStatus.
	Status RoomStatus `gorm:"type:text;not null;index:idx_rooms_match,priority:2" json:"status"`
	// CreatedAt orders waiting rooms for FIFO matching.
	CreatedAt time.Time `gorm:"index:idx_rooms_match,priority:3" json:"created_at"`
	// UpdatedAt is refreshed on every state-changing update.
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the room if none was assigned.
func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// HasParticipant reports whether userID is one of the two room members.
func (r *Room) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return r.User1ID == userID || (r.User2ID != nil && *r.User2ID == userID)
}

// IsMatched reports whether the room has been claimed by a second participant.
func (r *Room) IsMatched() bool {
	return r.Status == StatusActive && r.User2ID != nil
}

// PeerOf returns the other participant's ID, or "" when there is none yet.
func (r *Room) PeerOf(userID string) string {
	switch {
	case r.User1ID == userID && r.User2ID != nil:
		return *r.User2ID
	case r.User2ID != nil && *r.User2ID == userID:
		return r.User1ID
	}
	return ""
}

// Clone returns a deep copy so callers never share the User2ID pointer.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.User2ID != nil {
		u := *r.User2ID
		c.User2ID = &u
	}
	return &c
}
