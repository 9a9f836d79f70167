package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"moodchat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriptionBuffer bounds how many undelivered events a slow consumer may
// hold before further events are dropped. Dropped events are recovered by polling.
const subscriptionBuffer = 64

func roomChannel(roomID string) string    { return "rooms:" + roomID }
func messageChannel(roomID string) string { return "messages:" + roomID }

// publish публікує зміну рядка в Redis Pub/Sub. Failures are logged only:
// notifications are advisory and every consumer also polls.
func (s *Service) publish(ctx context.Context, channel string, v any) {
	if s.Redis == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.Log.Error("failed to encode change event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := s.Redis.Publish(ctx, channel, payload).Err(); err != nil {
		s.Log.Warn("failed to publish change event", zap.String("channel", channel), zap.Error(err))
	}
}

// SubscribeRoom streams updates of one room row.
func (s *Service) SubscribeRoom(ctx context.Context, roomID string) (Subscription[models.Room], error) {
	return subscribe[models.Room](ctx, s.Redis, roomChannel(roomID), s.Log)
}

// SubscribeMessages streams inserts into one room's messages.
func (s *Service) SubscribeMessages(ctx context.Context, roomID string) (Subscription[models.Message], error) {
	return subscribe[models.Message](ctx, s.Redis, messageChannel(roomID), s.Log)
}

type redisSubscription[T any] struct {
	ps     *redis.PubSub
	events chan T
	once   sync.Once
	err    error
}

func subscribe[T any](ctx context.Context, rdb *redis.Client, channel string, log *zap.Logger) (Subscription[T], error) {
	if rdb == nil {
		return nil, fmt.Errorf("subscribe %s: redis is not configured", channel)
	}
	ps := rdb.Subscribe(ctx, channel)
	// Wait for the confirmation so no event published after we return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription[T]{
		ps:     ps,
		events: make(chan T, subscriptionBuffer),
	}
	go sub.pump(channel, log)
	return sub, nil
}

func (s *redisSubscription[T]) pump(channel string, log *zap.Logger) {
	defer close(s.events)

	for msg := range s.ps.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second)) {
		var v T
		if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
			log.Warn("dropping undecodable change event", zap.String("channel", channel), zap.Error(err))
			continue
		}
		select {
		case s.events <- v:
		default:
			log.Warn("subscriber is slow, dropping change event", zap.String("channel", channel))
		}
	}
}

func (s *redisSubscription[T]) Events() <-chan T { return s.events }

func (s *redisSubscription[T]) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}
