package chathub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type registration struct {
	client Client
	lang   string
}

// ManagerService keeps at most one live session per anonymous user. A newer
// connection for a user replaces the older session, which is stopped without
// cleanup so the new one can resume its room.
type ManagerService struct {
	deps SessionDeps
	log  *zap.Logger

	// Channels
	RegisterCh   chan registration
	UnregisterCh chan *Session

	mu       sync.Mutex
	sessions map[string]*Session

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
}

// NewManagerService creates the session registry. Call Run to start it.
func NewManagerService(deps SessionDeps) *ManagerService {
	deps = deps.withDefaults()
	return &ManagerService{
		deps:         deps,
		log:          deps.Log.Named("hub"),
		RegisterCh:   make(chan registration),
		UnregisterCh: make(chan *Session),
		sessions:     make(map[string]*Session),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Run is the registry loop. It returns after Shutdown, once every session
// has been told to stop.
func (m *ManagerService) Run() {
	m.log.Info("chat hub started")
	defer close(m.stopped)

	for {
		select {
		case reg := <-m.RegisterCh:
			m.register(reg)

		case s := <-m.UnregisterCh:
			m.mu.Lock()
			if m.sessions[s.UserID()] == s {
				delete(m.sessions, s.UserID())
			}
			m.mu.Unlock()

		case <-m.quit:
			m.mu.Lock()
			for _, s := range m.sessions {
				s.Stop()
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *ManagerService) register(reg registration) {
	userID := reg.client.GetUserID()
	s := NewSession(m.deps, reg.client, reg.lang)

	m.mu.Lock()
	if old, ok := m.sessions[userID]; ok {
		m.log.Info("replacing session", zap.String("user_id", userID))
		old.Stop()
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run()
		select {
		case m.UnregisterCh <- s:
		case <-m.quit:
		}
	}()
}

// Connect hands a running client to the hub, which starts its session.
// After Shutdown the client is closed instead.
func (m *ManagerService) Connect(client Client, lang string) {
	select {
	case m.RegisterCh <- registration{client: client, lang: lang}:
	case <-m.quit:
		client.Close()
	}
}

// Session returns the live session of userID, if any.
func (m *ManagerService) Session(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *ManagerService) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session and waits for them to finish, or for ctx.
func (m *ManagerService) Shutdown(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })

	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.log.Info("chat hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
