package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"moodchat/backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// insertMessageSQL inserts only while the room is active and the sender is a
// member; otherwise no row is returned and the write is treated as denied.
const insertMessageSQL = `
	INSERT INTO messages (id, room_id, sender_id, content, iv, created_at)
	SELECT ?, ?, ?, ?, ?, clock_timestamp()
	WHERE EXISTS (
		SELECT 1 FROM rooms
		WHERE id = ? AND status = ? AND (user1_id = ? OR user2_id = ?)
	)
	RETURNING created_at`

// ListMessages отримує історію повідомлень для кімнати, відсортовану за часом.
func (s *Service) ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	room, err := s.GetRoom(ctx, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("room %s is gone: %w", roomID, ErrAccessDenied)
	}
	if err != nil {
		return nil, err
	}
	if room.Status == models.StatusEnded || !room.HasParticipant(userID) {
		return nil, fmt.Errorf("messages of room %s: %w", roomID, ErrAccessDenied)
	}

	var history []models.Message
	if err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc, id asc").
		Find(&history).Error; err != nil {
		s.Log.Error("failed to get chat history", zap.String("room_id", roomID), zap.Error(err))
		return nil, mapError(err)
	}
	return history, nil
}

// InsertMessage stores msg and fills in its ID and CreatedAt.
func (s *Service) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	var row struct {
		CreatedAt time.Time
	}
	res := s.DB.WithContext(ctx).Raw(insertMessageSQL,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.IV,
		msg.RoomID, models.StatusActive, msg.SenderID, msg.SenderID,
	).Scan(&row)
	if res.Error != nil {
		s.Log.Error("failed to save message", zap.String("room_id", msg.RoomID), zap.Error(res.Error))
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("insert into room %s: %w", msg.RoomID, ErrAccessDenied)
	}

	msg.CreatedAt = row.CreatedAt
	s.publish(ctx, messageChannel(msg.RoomID), *msg)
	return nil
}
