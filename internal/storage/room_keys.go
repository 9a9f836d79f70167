package storage

import (
	"context"
	"errors"

	"moodchat/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetRoomKey returns the wrapped key for roomID or ErrNotFound.
func (s *Service) GetRoomKey(ctx context.Context, roomID string) (*models.RoomKey, error) {
	var key models.RoomKey
	err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &key, nil
}

// CreateRoomKey inserts key if the room has none yet. When both participants
// race to establish a key the first insert wins and both read it back.
func (s *Service) CreateRoomKey(ctx context.Context, key *models.RoomKey) (*models.RoomKey, error) {
	if err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(key).Error; err != nil {
		return nil, mapError(err)
	}
	return s.GetRoomKey(ctx, key.RoomID)
}
