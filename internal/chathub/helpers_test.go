package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/config"
	"moodchat/backend/internal/crypto"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

// testTiming keeps the production poll periods and a fixed abandon window
// so fake-clock tests know exactly when the timer fires.
func testTiming() config.SessionTiming {
	return config.SessionTiming{
		WaitingPollInterval: config.WaitingPollInterval,
		MessagePollInterval: config.MessagePollInterval,
		AbandonMin:          2 * time.Minute,
		AbandonMax:          2 * time.Minute,
	}
}

// flakyStore wraps a MemoryStore with call counters, injectable failures,
// subscriptions that never deliver, and a hand-fed message stream.
type flakyStore struct {
	*storage.MemoryStore

	mu        sync.Mutex
	calls     map[string]int
	insertErr error
	listErr   error
	getErr    error
	silent    bool
	feed      chan models.Message
}

func newFlakyStore(clock clockwork.Clock) *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore(clock), calls: make(map[string]int)}
}

func (s *flakyStore) count(name string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	switch name {
	case "InsertMessage":
		return s.insertErr
	case "ListMessages":
		return s.listErr
	case "GetRoom":
		return s.getErr
	}
	return nil
}

func (s *flakyStore) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *flakyStore) setInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *flakyStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *flakyStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if err := s.count("InsertMessage"); err != nil {
		return err
	}
	return s.MemoryStore.InsertMessage(ctx, msg)
}

func (s *flakyStore) ListMessages(ctx context.Context, roomID, userID string) ([]models.Message, error) {
	if err := s.count("ListMessages"); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListMessages(ctx, roomID, userID)
}

func (s *flakyStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if err := s.count("GetRoom"); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetRoom(ctx, roomID)
}

func (s *flakyStore) SubscribeRoom(ctx context.Context, roomID string) (storage.Subscription[models.Room], error) {
	s.count("SubscribeRoom")
	if s.silent {
		return newManualSub[models.Room](nil), nil
	}
	return s.MemoryStore.SubscribeRoom(ctx, roomID)
}

func (s *flakyStore) SubscribeMessages(ctx context.Context, roomID string) (storage.Subscription[models.Message], error) {
	s.count("SubscribeMessages")
	switch {
	case s.feed != nil:
		return newManualSub(s.feed), nil
	case s.silent:
		return newManualSub[models.Message](nil), nil
	}
	return s.MemoryStore.SubscribeMessages(ctx, roomID)
}

// manualSub delivers only what the test writes to its channel.
type manualSub[T any] struct {
	events chan T
	once   sync.Once
	closed chan struct{}
}

func newManualSub[T any](events chan T) *manualSub[T] {
	if events == nil {
		events = make(chan T)
	}
	return &manualSub[T]{events: events, closed: make(chan struct{})}
}

func (s *manualSub[T]) Events() <-chan T { return s.events }

func (s *manualSub[T]) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// recordingIdentity remembers who was signed out.
type recordingIdentity struct {
	mu        sync.Mutex
	signedOut []string
}

func (r *recordingIdentity) SignOut(_ context.Context, anonID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signedOut = append(r.signedOut, anonID)
	return nil
}

func (r *recordingIdentity) SignedOut() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signedOut...)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *clockwork.FakeClock
	store    *flakyStore
	matcher  *chathub.MatcherService
	keys     *crypto.Keyring
	identity *recordingIdentity
	timing   config.SessionTiming
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClock()
	store := newFlakyStore(clock)
	log := zaptest.NewLogger(t)
	keys, err := crypto.NewKeyring(store, "test-wrap-secret", log)
	require.NoError(t, err)

	return &fixture{
		t:        t,
		ctx:      ctx,
		clock:    clock,
		store:    store,
		matcher:  chathub.NewMatcherService(store, clock, log),
		keys:     keys,
		identity: &recordingIdentity{},
		timing:   testTiming(),
	}
}

func (f *fixture) watcher() *chathub.SessionWatcher {
	return chathub.NewSessionWatcher(f.matcher, f.identity, f.timing, f.clock, zaptest.NewLogger(f.t))
}

// blockUntil waits for n timers or tickers to be armed on the fake clock.
func (f *fixture) blockUntil(n int) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, waitTimeout)
	defer cancel()
	require.NoError(f.t, f.clock.BlockUntilContext(ctx, n))
}

// activeRoom creates a room owned by user_A and joined by user_B.
func (f *fixture) activeRoom() *models.Room {
	f.t.Helper()
	owner, err := f.matcher.JoinOrCreate(f.ctx, models.MoodCalm, "user_A")
	require.NoError(f.t, err)
	joined, err := f.matcher.JoinOrCreate(f.ctx, models.MoodCalm, "user_B")
	require.NoError(f.t, err)
	require.Equal(f.t, owner.ID, joined.ID)
	require.Equal(f.t, models.StatusActive, joined.Status)
	return joined
}

// sealed builds a message from sender encrypted with the room key.
func (f *fixture) sealed(roomID, sender, text string) *models.Message {
	f.t.Helper()
	room, err := f.store.MemoryStore.GetRoom(f.ctx, roomID)
	require.NoError(f.t, err)
	key, err := f.keys.RoomKey(f.ctx, room, sender)
	require.NoError(f.t, err)
	s, err := crypto.Encrypt(text, key)
	require.NoError(f.t, err)
	return &models.Message{RoomID: roomID, SenderID: sender, Content: s.Ciphertext, IV: s.IV}
}

type searchResult struct {
	res chathub.SearchResult
	err error
}

func startSearch(ctx context.Context, w *chathub.SessionWatcher, mood models.Mood, userID string) <-chan searchResult {
	out := make(chan searchResult, 1)
	go func() {
		res, err := w.Search(ctx, mood, userID)
		out <- searchResult{res, err}
	}()
	return out
}

func awaitSearch(t *testing.T, results <-chan searchResult) searchResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("search did not finish")
		return searchResult{}
	}
}
