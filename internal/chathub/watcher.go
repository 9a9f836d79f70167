package chathub

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"moodchat/backend/internal/config"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// cleanupTimeout bounds the store calls made after a search is given up.
const cleanupTimeout = 5 * time.Second

// ErrWatcherReused is returned when Search is called twice on one watcher.
var ErrWatcherReused = errors.New("session watcher already used")

// SearchState is the matchmaking progress of one session.
type SearchState string

const (
	StateSearching      SearchState = "searching"
	StateWaitingForPeer SearchState = "waiting_for_peer"
	StateMatched        SearchState = "matched"
	StateAbandoned      SearchState = "abandoned"
	// StateEnded: the room ended through another path while we waited.
	StateEnded SearchState = "ended"
	// StateCancelled: the user cancelled, or the watcher was closed before a match.
	StateCancelled SearchState = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s SearchState) Terminal() bool {
	switch s {
	case StateMatched, StateAbandoned, StateEnded, StateCancelled:
		return true
	}
	return false
}

// SearchResult is how a search ended. Room is set for StateMatched.
type SearchResult struct {
	State SearchState
	Room  *models.Room
}

// Identity discards an anonymous identity. identity.Service satisfies it.
type Identity interface {
	SignOut(ctx context.Context, anonID string) error
}

// SessionWatcher runs one matchmaking attempt: it calls the matcher and, when
// the result is a waiting room, waits for a peer on two signals at once (the
// room subscription and a poll), giving up after a randomized timeout.
//
// A watcher is single-use. Cancel and Close may be called from any goroutine,
// but not from inside OnState.
type SessionWatcher struct {
	matcher  *MatcherService
	store    storage.Gateway
	identity Identity
	timing   config.SessionTiming
	clock    clockwork.Clock
	log      *zap.Logger

	// OnState, if set, is called on every transition, from the goroutine running Search.
	OnState func(state SearchState, room *models.Room)

	mu        sync.Mutex
	state     SearchState
	started   bool
	stopped   bool
	cancelled bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	abort     context.CancelFunc
}

// NewSessionWatcher creates a watcher. identity may be nil when nothing should
// be signed out on cleanup.
func NewSessionWatcher(matcher *MatcherService, identity Identity, timing config.SessionTiming, clock clockwork.Clock, log *zap.Logger) *SessionWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionWatcher{
		matcher:  matcher,
		store:    matcher.Storage,
		identity: identity,
		timing:   timing,
		clock:    clock,
		log:      log.Named("watcher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (w *SessionWatcher) State() SearchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Search runs matchmaking for userID and blocks until a terminal state.
// A store error while matching is returned as is and leaves nothing to clean up.
func (w *SessionWatcher) Search(ctx context.Context, mood models.Mood, userID string) (SearchResult, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return SearchResult{}, ErrWatcherReused
	}
	w.started = true
	if w.stopped {
		w.mu.Unlock()
		close(w.done)
		w.transition(StateCancelled, nil)
		return SearchResult{State: StateCancelled}, nil
	}
	ctx, w.abort = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)
	defer w.abort()

	log := w.log.With(zap.String("user_id", userID))
	w.transition(StateSearching, nil)

	room, err := w.matcher.JoinOrCreate(ctx, mood, userID)
	if err != nil {
		if stopped, cancelled := w.stopRequested(); stopped {
			return w.finishStopped(nil, userID, cancelled), nil
		}
		w.transition(StateCancelled, nil)
		return SearchResult{State: StateCancelled}, err
	}

	if stopped, cancelled := w.stopRequested(); stopped {
		return w.finishStopped(room, userID, cancelled), nil
	}

	switch room.Status {
	case models.StatusActive:
		w.transition(StateMatched, room)
		return SearchResult{State: StateMatched, Room: room}, nil
	case models.StatusEnded:
		w.transition(StateEnded, room)
		return SearchResult{State: StateEnded, Room: room}, nil
	}

	w.transition(StateWaitingForPeer, room)
	log.Debug("waiting for peer", zap.String("room_id", room.ID))
	return w.wait(ctx, room, userID), nil
}

// wait runs the waiting-for-peer phase. The subscription, ticker and timer
// acquired here are all released on return, whichever path returns.
func (w *SessionWatcher) wait(ctx context.Context, room *models.Room, userID string) SearchResult {
	log := w.log.With(zap.String("room_id", room.ID), zap.String("user_id", userID))

	var events <-chan models.Room
	sub, err := w.store.SubscribeRoom(ctx, room.ID)
	if err != nil {
		log.Warn("room subscription failed, relying on polling", zap.Error(err))
	} else {
		defer func() {
			if err := sub.Close(); err != nil {
				log.Warn("closing room subscription", zap.Error(err))
			}
		}()
		events = sub.Events()
	}

	ticker := w.clock.NewTicker(w.timing.WaitingPollInterval)
	defer ticker.Stop()

	abandonAfter := w.abandonAfter()
	timer := w.clock.NewTimer(abandonAfter)
	defer timer.Stop()
	log.Debug("abandon timer armed", zap.Duration("after", abandonAfter))

	for {
		select {
		case <-w.stop:
			_, cancelled := w.stopRequested()
			return w.finishStopped(room, userID, cancelled)

		case <-ctx.Done():
			if stopped, cancelled := w.stopRequested(); stopped {
				return w.finishStopped(room, userID, cancelled)
			}
			w.transition(StateCancelled, nil)
			return SearchResult{State: StateCancelled}

		case update, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if res, done := w.observe(&update); done {
				log.Debug("search resolved by push", zap.String("state", string(res.State)))
				return res
			}

		case <-ticker.Chan():
			current, err := w.store.GetRoom(ctx, room.ID)
			if errors.Is(err, storage.ErrNotFound) {
				// Removed from under us; nothing left to wait for.
				w.transition(StateEnded, nil)
				return SearchResult{State: StateEnded}
			}
			if err != nil {
				log.Warn("waiting room poll failed", zap.Error(err))
				continue
			}
			if res, done := w.observe(current); done {
				log.Debug("search resolved by poll", zap.String("state", string(res.State)))
				return res
			}

		case <-timer.Chan():
			// A peer may claim the room after the last poll. Cleanup ends it
			// for both sides and this search still reports abandoned.
			log.Info("no peer found, abandoning search")
			w.cleanup(ctx, room, userID)
			w.transition(StateAbandoned, nil)
			return SearchResult{State: StateAbandoned}
		}
	}
}

// observe feeds one view of the room row, from either signal, into the state machine.
func (w *SessionWatcher) observe(room *models.Room) (SearchResult, bool) {
	switch {
	case room.Status == models.StatusActive && room.User2ID != nil:
		if w.transition(StateMatched, room) {
			return SearchResult{State: StateMatched, Room: room}, true
		}
	case room.Status == models.StatusEnded:
		if w.transition(StateEnded, room) {
			return SearchResult{State: StateEnded, Room: room}, true
		}
	}
	return SearchResult{}, false
}

// transition moves to next unless the current state is terminal.
// It reports whether the state changed.
func (w *SessionWatcher) transition(next SearchState, room *models.Room) bool {
	w.mu.Lock()
	if w.state.Terminal() || w.state == next {
		w.mu.Unlock()
		return false
	}
	w.state = next
	hook := w.OnState
	w.mu.Unlock()

	if hook != nil {
		hook(next, room)
	}
	return true
}

// finishStopped ends a search that Cancel or Close interrupted.
func (w *SessionWatcher) finishStopped(room *models.Room, userID string, cancelled bool) SearchResult {
	if cancelled && room != nil {
		w.cleanup(context.Background(), room, userID)
	}
	w.transition(StateCancelled, nil)
	return SearchResult{State: StateCancelled}
}

// cleanup deletes the waiting room we own and signs the identity out.
// A room that was joined in the meantime is ended instead, so the peer
// is not left in a room nobody will write to.
func (w *SessionWatcher) cleanup(ctx context.Context, room *models.Room, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	log := w.log.With(zap.String("room_id", room.ID), zap.String("user_id", userID))

	var errs error
	deleted := false
	if room.User1ID == userID {
		var err error
		deleted, err = w.store.DeleteWaitingRoom(ctx, room.ID, userID)
		errs = multierr.Append(errs, err)
	}
	if !deleted && errs == nil {
		err := w.store.EndRoom(ctx, room.ID, userID, w.clock.Now())
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		errs = multierr.Append(errs, err)
	}
	if w.identity != nil {
		errs = multierr.Append(errs, w.identity.SignOut(ctx, userID))
	}
	if errs != nil {
		log.Warn("search cleanup incomplete", zap.Error(errs))
	}
}

func (w *SessionWatcher) abandonAfter() time.Duration {
	lo, hi := w.timing.AbandonMin, w.timing.AbandonMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

func (w *SessionWatcher) stopRequested() (stopped, cancelled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped, w.cancelled
}

// Cancel is the user giving up: the owned waiting room is deleted and the
// identity signed out, then the search ends as StateCancelled.
// It waits for Search to return. Calling it again is a no-op.
func (w *SessionWatcher) Cancel() {
	w.halt(true)
}

// Close tears the watcher down without touching the room. It waits for
// Search to return. Calling it again is a no-op.
func (w *SessionWatcher) Close() {
	w.halt(false)
}

func (w *SessionWatcher) halt(cancel bool) {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.cancelled = cancel
	}
	started, cancelled := w.started, w.cancelled
	abort := w.abort
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stop) })
	if !started {
		return
	}
	if abort != nil && !cancelled {
		// Close interrupts in-flight store calls; Cancel lets the matcher
		// finish so a freshly created room can still be cleaned up.
		abort()
	}
	<-w.done
}
