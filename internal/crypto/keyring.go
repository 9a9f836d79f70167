package crypto

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// defaultCacheSize bounds how many room keys stay unwrapped in memory.
const defaultCacheSize = 4096

// KeyStore persists wrapped room keys. storage.Gateway satisfies it.
type KeyStore interface {
	GetRoomKey(ctx context.Context, roomID string) (*models.RoomKey, error)
	CreateRoomKey(ctx context.Context, key *models.RoomKey) (*models.RoomKey, error)
}

// Keyring owns the process-wide room key table: an LRU of unwrapped keys in
// front of the store, where keys live sealed with the wrapping secret.
type Keyring struct {
	store   KeyStore
	wrapKey []byte
	cache   *lru.Cache[string, []byte]
	log     *zap.Logger
}

// NewKeyring creates a keyring. secret is stretched to the AES-256 wrapping key.
func NewKeyring(store KeyStore, secret string, log *zap.Logger) (*Keyring, error) {
	if secret == "" {
		return nil, errors.New("room key secret is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, []byte](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	wrap := sha256.Sum256([]byte(secret))
	return &Keyring{
		store:   store,
		wrapKey: wrap[:],
		cache:   cache,
		log:     log.Named("keyring"),
	}, nil
}

// RoomKey returns the shared key for room, establishing one if the room has
// none yet. Calling it again for the same room returns the same key.
// Only a participant of room gets a key.
func (k *Keyring) RoomKey(ctx context.Context, room *models.Room, userID string) ([]byte, error) {
	if room == nil || !room.HasParticipant(userID) {
		return nil, fmt.Errorf("room key: %w", storage.ErrAccessDenied)
	}
	roomID := room.ID
	if key, ok := k.cache.Get(roomID); ok {
		return key, nil
	}

	stored, err := k.store.GetRoomKey(ctx, roomID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		stored, err = k.establish(ctx, roomID, userID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load room key: %w", err)
	}

	key, err := k.unwrap(stored)
	if err != nil {
		return nil, err
	}
	k.cache.Add(roomID, key)
	return key, nil
}

// establish generates and stores a key. If the peer stored one first the
// store returns theirs and ours is discarded.
func (k *Keyring) establish(ctx context.Context, roomID, userID string) (*models.RoomKey, error) {
	fresh, err := NewKey()
	if err != nil {
		return nil, err
	}
	sealed, err := Encrypt(string(fresh), k.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("wrap room key: %w", err)
	}

	stored, err := k.store.CreateRoomKey(ctx, &models.RoomKey{
		RoomID:     roomID,
		WrappedKey: sealed.Ciphertext,
		IV:         sealed.IV,
		SharedBy:   userID,
	})
	if err != nil {
		return nil, fmt.Errorf("store room key: %w", err)
	}
	if stored.SharedBy == userID {
		k.log.Debug("established room key", zap.String("room_id", roomID))
	}
	return stored, nil
}

func (k *Keyring) unwrap(stored *models.RoomKey) ([]byte, error) {
	raw, err := Decrypt(stored.WrappedKey, stored.IV, k.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap room key for %s: %w", stored.RoomID, err)
	}
	return []byte(raw), nil
}

// Forget drops the cached key for roomID, e.g. after leaving it.
func (k *Keyring) Forget(roomID string) {
	k.cache.Remove(roomID)
}

// Cached reports whether roomID's key is currently held in memory.
func (k *Keyring) Cached(roomID string) bool {
	return k.cache.Contains(roomID)
}
