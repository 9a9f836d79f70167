package chathub

import (
	"context"
	"errors"
	"fmt"

	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrMatchmaking wraps every store failure met while finding a room.
var ErrMatchmaking = errors.New("matchmaking failed")

// MatcherService відповідає за алгоритм пошуку співрозмовників.
// It pairs users through the store only: the join is a conditional update,
// so concurrent matchers on any number of processes never double-book a room.
type MatcherService struct {
	Storage storage.Gateway
	clock   clockwork.Clock
	log     *zap.Logger
}

// NewMatcherService створює новий Matcher.
func NewMatcherService(s storage.Gateway, clock clockwork.Clock, log *zap.Logger) *MatcherService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MatcherService{Storage: s, clock: clock, log: log.Named("matcher")}
}

// JoinOrCreate returns the room userID should chat in for mood:
//
//  0. the waiting or active room the user already belongs to, if any;
//  1. otherwise the oldest joinable room for mood, claimed with a
//     compare-and-swap (the result is active);
//  2. otherwise, or when the claim lost a race, a new waiting room owned by userID.
//
// Store failures are returned wrapped in ErrMatchmaking and are not retried.
func (m *MatcherService) JoinOrCreate(ctx context.Context, mood models.Mood, userID string) (*models.Room, error) {
	if _, err := models.ParseMood(string(mood)); err != nil {
		return nil, fmt.Errorf("%w: %w %q", ErrMatchmaking, err, mood)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrMatchmaking)
	}
	log := m.log.With(zap.String("user_id", userID), zap.String("mood", string(mood)))

	existing, err := m.Storage.FindRoomForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: find room for user: %w", ErrMatchmaking, err)
	}
	if existing != nil {
		log.Debug("resuming existing room",
			zap.String("room_id", existing.ID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	}

	candidate, err := m.Storage.FindJoinableRoom(ctx, mood, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: find joinable room: %w", ErrMatchmaking, err)
	}

	if candidate != nil {
		joined, err := m.Storage.ClaimRoom(ctx, candidate.ID, userID, m.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: claim room %s: %w", ErrMatchmaking, candidate.ID, err)
		}
		if joined != nil {
			log.Info("joined room", zap.String("room_id", joined.ID), zap.String("owner_id", joined.User1ID))
			return joined, nil
		}
		// Someone else claimed it between the lookup and the update.
		log.Debug("lost join race, creating a room instead", zap.String("room_id", candidate.ID))
	}

	room := &models.Room{
		Mood:    mood,
		User1ID: userID,
		Status:  models.StatusWaiting,
	}
	if err := m.Storage.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("%w: create room: %w", ErrMatchmaking, err)
	}
	log.Info("created waiting room", zap.String("room_id", room.ID))
	return room, nil
}
