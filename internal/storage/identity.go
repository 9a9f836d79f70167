package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedPrefix = "revoked:"

// RevokeIdentity records that anonID signed out. The marker lives as long as
// a token issued for it could.
func (s *Service) RevokeIdentity(ctx context.Context, anonID string, ttl time.Duration) error {
	return s.Redis.Set(ctx, revokedPrefix+anonID, "1", ttl).Err()
}

// IsIdentityRevoked перевіряє статус виходу в Redis (швидка перевірка).
func (s *Service) IsIdentityRevoked(ctx context.Context, anonID string) (bool, error) {
	status, err := s.Redis.Get(ctx, revokedPrefix+anonID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status != "", nil
}
