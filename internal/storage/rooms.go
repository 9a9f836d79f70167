package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"moodchat/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindRoomForUser знаходить кімнату (waiting або active), в якій бере участь користувач.
func (s *Service) FindRoomForUser(ctx context.Context, userID string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).
		Where("(user1_id = ? OR user2_id = ?)", userID, userID).
		Where("status IN ?", []models.RoomStatus{models.StatusWaiting, models.StatusActive}).
		Order("created_at desc").
		First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &room, nil
}

// FindJoinableRoom returns the oldest waiting room for mood that userID could join.
func (s *Service) FindJoinableRoom(ctx context.Context, mood models.Mood, userID string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).
		Where("mood = ? AND status = ? AND user2_id IS NULL AND user1_id <> ?", mood, models.StatusWaiting, userID).
		Order("created_at asc").
		First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &room, nil
}

// ClaimRoom is the compare-and-swap join. The WHERE clause re-validates that
// the room is still unjoined, so of two racing joiners only one matches a row.
func (s *Service) ClaimRoom(ctx context.Context, roomID, userID string, now time.Time) (*models.Room, error) {
	var claimed []models.Room
	res := s.DB.WithContext(ctx).
		Model(&claimed).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ? AND user2_id IS NULL AND user1_id <> ?", roomID, models.StatusWaiting, userID).
		Updates(map[string]interface{}{
			"user2_id":   userID,
			"status":     models.StatusActive,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, mapError(res.Error)
	}
	if res.RowsAffected == 0 || len(claimed) == 0 {
		return nil, nil
	}

	room := claimed[0]
	s.publish(ctx, roomChannel(room.ID), room)
	return &room, nil
}

// CreateRoom inserts a new room row.
func (s *Service) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := s.DB.WithContext(ctx).Create(room).Error; err != nil {
		s.Log.Error("failed to create room", zap.String("user_id", room.User1ID), zap.Error(err))
		return mapError(err)
	}
	return nil
}

// GetRoom loads a room by ID.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.DB.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &room, nil
}

// EndRoom закриває кімнату. Only participants may end a room.
func (s *Service) EndRoom(ctx context.Context, roomID, userID string, now time.Time) error {
	var ended []models.Room
	res := s.DB.WithContext(ctx).
		Model(&ended).
		Clauses(clause.Returning{}).
		Where("id = ? AND status <> ? AND (user1_id = ? OR user2_id = ?)", roomID, models.StatusEnded, userID, userID).
		Updates(map[string]interface{}{
			"status":     models.StatusEnded,
			"updated_at": now,
		})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected > 0 && len(ended) > 0 {
		s.publish(ctx, roomChannel(roomID), ended[0])
		return nil
	}

	// Nothing matched: either already ended, missing, or not ours.
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return fmt.Errorf("end room %s: %w", roomID, ErrAccessDenied)
	}
	return nil
}

// DeleteWaitingRoom removes a still-waiting room owned by ownerID.
func (s *Service) DeleteWaitingRoom(ctx context.Context, roomID, ownerID string) (bool, error) {
	res := s.DB.WithContext(ctx).
		Where("id = ? AND user1_id = ? AND status = ?", roomID, ownerID, models.StatusWaiting).
		Delete(&models.Room{})
	if res.Error != nil {
		return false, mapError(res.Error)
	}
	return res.RowsAffected > 0, nil
}
