package chathub_test

import (
	"context"
	"time"

	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a testify mock of storage.Gateway, used where a test needs
// to script exact store responses.
type MockStorage struct {
	mock.Mock
}

var _ storage.Gateway = (*MockStorage)(nil)

func (m *MockStorage) room(args mock.Arguments) (*models.Room, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Room), args.Error(1)
}

func (m *MockStorage) FindRoomForUser(ctx context.Context, userID string) (*models.Room, error) {
	return m.room(m.Called(ctx, userID))
}

func (m *MockStorage) FindJoinableRoom(ctx context.Context, mood models.Mood, userID string) (*models.Room, error) {
	return m.room(m.Called(ctx, mood, userID))
}

func (m *MockStorage) ClaimRoom(ctx context.Context, roomID, userID string, now time.Time) (*models.Room, error) {
	return m.room(m.Called(ctx, roomID, userID, now))
}

func (m *MockStorage) CreateRoom(ctx context.Context, room *models.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *MockStorage) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	return m.room(m.Called(ctx, roomID))
}

func (m *MockStorage) EndRoom(ctx context.Context, roomID, userID string, now time.Time) error {
	args := m.Called(ctx, roomID, userID, now)
	return args.Error(0)
}

func (m *MockStorage) DeleteWaitingRoom(ctx context.Context, roomID, ownerID string) (bool, error) {
	args := m.Called(ctx, roomID, ownerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStorage) InsertMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) SubscribeRoom(ctx context.Context, roomID string) (storage.Subscription[models.Room], error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(storage.Subscription[models.Room]), args.Error(1)
}

func (m *MockStorage) SubscribeMessages(ctx context.Context, roomID string) (storage.Subscription[models.Message], error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(storage.Subscription[models.Message]), args.Error(1)
}

func (m *MockStorage) GetRoomKey(ctx context.Context, roomID string) (*models.RoomKey, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RoomKey), args.Error(1)
}

func (m *MockStorage) CreateRoomKey(ctx context.Context, key *models.RoomKey) (*models.RoomKey, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RoomKey), args.Error(1)
}

func (m *MockStorage) RevokeIdentity(ctx context.Context, anonID string, ttl time.Duration) error {
	args := m.Called(ctx, anonID, ttl)
	return args.Error(0)
}

func (m *MockStorage) IsIdentityRevoked(ctx context.Context, anonID string) (bool, error) {
	args := m.Called(ctx, anonID)
	return args.Bool(0), args.Error(1)
}
