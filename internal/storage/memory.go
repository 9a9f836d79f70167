package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"moodchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Gateway with the same semantics as Service:
// conditional updates run under one lock, the access policy is enforced on
// message reads and writes, and every write fans out to subscribers.
// It backs STORE_DRIVER=memory and the test suites.
type MemoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	last  time.Time

	rooms    map[string]*models.Room
	messages map[string][]models.Message
	keys     map[string]models.RoomKey
	revoked  map[string]time.Time

	roomSubs map[string]map[*memorySubscription[models.Room]]struct{}
	msgSubs  map[string]map[*memorySubscription[models.Message]]struct{}
}

var _ Gateway = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock means the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		rooms:    make(map[string]*models.Room),
		messages: make(map[string][]models.Message),
		keys:     make(map[string]models.RoomKey),
		revoked:  make(map[string]time.Time),
		roomSubs: make(map[string]map[*memorySubscription[models.Room]]struct{}),
		msgSubs:  make(map[string]map[*memorySubscription[models.Message]]struct{}),
	}
}

// stamp returns a strictly increasing timestamp, like a per-room serial
// created_at on the server. Caller holds mu.
func (s *MemoryStore) stamp() time.Time {
	now := s.clock.Now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func (s *MemoryStore) FindRoomForUser(ctx context.Context, userID string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Room
	for _, r := range s.rooms {
		if r.Status == models.StatusEnded || !r.HasParticipant(userID) {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	return found.Clone(), nil
}

func (s *MemoryStore) FindJoinableRoom(ctx context.Context, mood models.Mood, userID string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Room
	for _, r := range s.rooms {
		if r.Mood != mood || r.Status != models.StatusWaiting || r.User2ID != nil || r.User1ID == userID {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	return found.Clone(), nil
}

func (s *MemoryStore) ClaimRoom(ctx context.Context, roomID, userID string, now time.Time) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || r.Status != models.StatusWaiting || r.User2ID != nil || r.User1ID == userID {
		return nil, nil
	}
	joiner := userID
	r.User2ID = &joiner
	r.Status = models.StatusActive
	r.UpdatedAt = now

	s.publishRoom(r)
	return r.Clone(), nil
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	now := s.stamp()
	room.CreatedAt = now
	room.UpdatedAt = now
	s.rooms[room.ID] = room.Clone()
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) EndRoom(ctx context.Context, roomID, userID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if !r.HasParticipant(userID) {
		return fmt.Errorf("end room %s: %w", roomID, ErrAccessDenied)
	}
	if r.Status == models.StatusEnded {
		return nil
	}
	r.Status = models.StatusEnded
	r.UpdatedAt = now

	s.publishRoom(r)
	return nil
}

func (s *MemoryStore) DeleteWaitingRoom(ctx context.Context, roomID, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || r.User1ID != ownerID || r.Status != models.StatusWaiting {
		return false, nil
	}
	delete(s.rooms, roomID)
	return true, nil
}

// readableRoom applies the message access policy. Caller holds mu.
func (s *MemoryStore) readableRoom(roomID, userID string) error {
	r, ok := s.rooms[roomID]
	if !ok || r.Status == models.StatusEnded || !r.HasParticipant(userID) {
		return fmt.Errorf("messages of room %s: %w", roomID, ErrAccessDenied)
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readableRoom(roomID, userID); err != nil {
		return nil, err
	}
	return slices.Clone(s.messages[roomID]), nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[msg.RoomID]
	if !ok || r.Status != models.StatusActive || !r.HasParticipant(msg.SenderID) {
		return fmt.Errorf("insert into room %s: %w", msg.RoomID, ErrAccessDenied)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = s.stamp()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)

	for sub := range s.msgSubs[msg.RoomID] {
		sub.offer(*msg)
	}
	return nil
}

func (s *MemoryStore) GetRoomKey(ctx context.Context, roomID string) (*models.RoomKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &key, nil
}

func (s *MemoryStore) CreateRoomKey(ctx context.Context, key *models.RoomKey) (*models.RoomKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.keys[key.RoomID]; ok {
		return &existing, nil
	}
	stored := *key
	stored.CreatedAt = s.clock.Now()
	s.keys[key.RoomID] = stored
	return &stored, nil
}

func (s *MemoryStore) RevokeIdentity(ctx context.Context, anonID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[anonID] = s.clock.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) IsIdentityRevoked(ctx context.Context, anonID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.revoked[anonID]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(until) {
		delete(s.revoked, anonID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) SubscribeRoom(ctx context.Context, roomID string) (Subscription[models.Room], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return attach(s, s.roomSubs, roomID), nil
}

func (s *MemoryStore) SubscribeMessages(ctx context.Context, roomID string) (Subscription[models.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return attach(s, s.msgSubs, roomID), nil
}

// RoomSubscribers reports how many live subscriptions watch roomID's row.
func (s *MemoryStore) RoomSubscribers(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roomSubs[roomID])
}

// MessageSubscribers reports how many live subscriptions watch roomID's messages.
func (s *MemoryStore) MessageSubscribers(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgSubs[roomID])
}

// publishRoom fans a room change out. Caller holds mu.
func (s *MemoryStore) publishRoom(r *models.Room) {
	for sub := range s.roomSubs[r.ID] {
		sub.offer(*r.Clone())
	}
}

type memorySubscription[T any] struct {
	store  *MemoryStore
	topics map[string]map[*memorySubscription[T]]struct{}
	topic  string
	events chan T
	closed bool
}

// attach registers a subscription on topic. Caller holds s.mu.
func attach[T any](s *MemoryStore, topics map[string]map[*memorySubscription[T]]struct{}, topic string) *memorySubscription[T] {
	sub := &memorySubscription[T]{
		store:  s,
		topics: topics,
		topic:  topic,
		events: make(chan T, subscriptionBuffer),
	}
	if topics[topic] == nil {
		topics[topic] = make(map[*memorySubscription[T]]struct{})
	}
	topics[topic][sub] = struct{}{}
	return sub
}

// offer delivers without blocking; a full buffer drops the event. Caller holds store.mu.
func (sub *memorySubscription[T]) offer(v T) {
	select {
	case sub.events <- v:
	default:
	}
}

func (sub *memorySubscription[T]) Events() <-chan T { return sub.events }

func (sub *memorySubscription[T]) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()

	if sub.closed {
		return nil
	}
	sub.closed = true
	delete(sub.topics[sub.topic], sub)
	if len(sub.topics[sub.topic]) == 0 {
		delete(sub.topics, sub.topic)
	}
	close(sub.events)
	return nil
}
