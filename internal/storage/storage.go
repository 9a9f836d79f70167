// Package storage is the gateway to the remote relational store: room and
// message rows, room keys, identity revocations and the change notifications
// the chat sessions subscribe to.
package storage

import (
	"context"
	"errors"
	"time"

	"moodchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAccessDenied is the store's access policy rejecting a read or write.
	// For messages it means the room has ended or the caller is not a member.
	ErrAccessDenied = errors.New("access denied")
)

// Subscription is a cancelable stream of change events.
// Events is closed after Close; Close may be called more than once.
type Subscription[T any] interface {
	Events() <-chan T
	Close() error
}

// Gateway is the contract the matcher, watcher and message channel consume.
// Every method is a single store round-trip.
type Gateway interface {
	// FindRoomForUser returns the waiting or active room userID belongs to, or nil.
	FindRoomForUser(ctx context.Context, userID string) (*models.Room, error)
	// FindJoinableRoom returns the oldest waiting, unjoined room for mood
	// not owned by userID, or nil.
	FindJoinableRoom(ctx context.Context, mood models.Mood, userID string) (*models.Room, error)
	// ClaimRoom sets user2 and activates the room only if it is still waiting
	// and unjoined. It returns nil, nil when the guard no longer matches.
	ClaimRoom(ctx context.Context, roomID, userID string, now time.Time) (*models.Room, error)
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	// EndRoom marks the room ended. Ending an already ended room is a no-op.
	EndRoom(ctx context.Context, roomID, userID string, now time.Time) error
	// DeleteWaitingRoom removes roomID only while ownerID owns it and it is
	// still waiting. It reports whether a row was removed.
	DeleteWaitingRoom(ctx context.Context, roomID, ownerID string) (bool, error)

	ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, msg *models.Message) error

	SubscribeRoom(ctx context.Context, roomID string) (Subscription[models.Room], error)
	SubscribeMessages(ctx context.Context, roomID string) (Subscription[models.Message], error)

	GetRoomKey(ctx context.Context, roomID string) (*models.RoomKey, error)
	// CreateRoomKey stores key unless one already exists and returns the stored key.
	CreateRoomKey(ctx context.Context, key *models.RoomKey) (*models.RoomKey, error)

	RevokeIdentity(ctx context.Context, anonID string, ttl time.Duration) error
	IsIdentityRevoked(ctx context.Context, anonID string) (bool, error)
}

// Service implements Gateway over PostgreSQL (rows) and Redis (notifications).
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Log   *zap.Logger
}

var _ Gateway = (*Service)(nil)

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		DB:    db,
		Redis: rdb,
		Log:   log.Named("storage"),
	}
}

// Migrate creates or updates the tables owned by the service.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.Room{},
		&models.Message{},
		&models.RoomKey{},
	)
}
