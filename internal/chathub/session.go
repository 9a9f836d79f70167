package chathub

import (
	"context"
	"errors"

	"moodchat/backend/internal/config"
	"moodchat/backend/internal/localization"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// SessionDeps is what every session needs, shared by all of them.
type SessionDeps struct {
	Matcher   *MatcherService
	Store     storage.Gateway
	Keys      KeySource
	Identity  Identity
	Localizer *localization.Localizer
	Timing    config.SessionTiming
	Clock     clockwork.Clock
	Log       *zap.Logger
}

func (d SessionDeps) withDefaults() SessionDeps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Store == nil && d.Matcher != nil {
		d.Store = d.Matcher.Storage
	}
	return d
}

// Session drives one connected user through matchmaking and chat:
// join{mood} starts a search, a match opens the message channel, and the
// session ends when the user leaves, cancels, is abandoned or disconnects.
type Session struct {
	deps   SessionDeps
	client Client
	userID string
	lang   string
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session for client. lang selects notice texts.
func NewSession(deps SessionDeps, client Client, lang string) *Session {
	deps = deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	if lang == "" {
		lang = localization.DefaultLanguage
	}
	return &Session{
		deps:   deps,
		client: client,
		userID: client.GetUserID(),
		lang:   lang,
		log:    deps.Log.Named("session").With(zap.String("user_id", client.GetUserID())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// UserID is the anonymous user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop tears the session down without cleaning up its room, so a newer
// connection for the same user can resume it.
func (s *Session) Stop() { s.cancel() }

// Run serves the session until it ends, then closes the client.
func (s *Session) Run() {
	defer close(s.done)
	defer s.client.Close()
	defer s.cancel()

	frames := s.client.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			switch f.Type {
			case models.FrameJoin:
				mood, err := models.ParseMood(f.Mood)
				if err != nil {
					s.pushError("error.unknown_mood", err)
					continue
				}
				room, finished := s.search(mood)
				if finished {
					return
				}
				if room != nil && s.chat(room) {
					return
				}
			case models.FrameCancel, models.FrameLeave:
				return
			case models.FrameCompose:
			default:
				s.pushError("error.bad_frame", nil)
			}
		}
	}
}

type searchOutcome struct {
	res SearchResult
	err error
}

// search runs one watcher. It returns the matched room, or finished=true when
// the session must end.
func (s *Session) search(mood models.Mood) (*models.Room, bool) {
	w := NewSessionWatcher(s.deps.Matcher, s.deps.Identity, s.deps.Timing, s.deps.Clock, s.deps.Log)
	w.OnState = func(state SearchState, room *models.Room) {
		s.push(models.ServerFrame{
			Type:  models.FrameState,
			State: string(state),
			Room:  room,
			Text:  s.text("state." + string(state)),
		})
	}

	results := make(chan searchOutcome, 1)
	go func() {
		res, err := w.Search(s.ctx, mood, s.userID)
		results <- searchOutcome{res, err}
	}()

	frames := s.client.Frames()
	stopped := s.ctx.Done()
	disconnected := false
	for {
		select {
		case out := <-results:
			return s.searchFinished(out, disconnected)

		case <-stopped:
			stopped = nil
			w.Close()

		case f, ok := <-frames:
			if !ok {
				frames = nil
				disconnected = true
				w.Cancel()
				continue
			}
			switch f.Type {
			case models.FrameCancel, models.FrameLeave:
				w.Cancel()
			case models.FrameCompose, models.FrameJoin:
			default:
				s.pushError("error.bad_frame", nil)
			}
		}
	}
}

func (s *Session) searchFinished(out searchOutcome, disconnected bool) (*models.Room, bool) {
	gone := disconnected || s.ctx.Err() != nil
	if out.err != nil {
		s.log.Warn("matchmaking failed", zap.Error(out.err))
		s.pushError("error.matchmaking", out.err)
		return nil, gone
	}

	switch out.res.State {
	case StateMatched:
		if gone {
			return nil, true
		}
		s.push(models.ServerFrame{Type: models.FrameMatched, Room: out.res.Room, Text: s.text("state.matched")})
		return out.res.Room, false
	case StateAbandoned:
		s.push(models.ServerFrame{Type: models.FrameAbandoned, Text: s.text("state.abandoned")})
		return nil, true
	case StateEnded:
		return nil, gone
	default:
		return nil, true
	}
}

// chat runs the message channel for room. It reports whether the session must end.
func (s *Session) chat(room *models.Room) bool {
	s.client.SetRoomID(room.ID)
	defer s.client.SetRoomID("")

	ended := make(chan EndReason, 1)
	ch, err := OpenMessageChannel(s.ctx, room, s.userID, ChannelConfig{
		Store:        s.deps.Store,
		Keys:         s.deps.Keys,
		Identity:     s.deps.Identity,
		PollInterval: s.deps.Timing.MessagePollInterval,
		Clock:        s.deps.Clock,
		Log:          s.deps.Log,
		OnMessages: func(msgs []models.DisplayMessage) {
			s.push(models.ServerFrame{Type: models.FrameMessages, Messages: msgs})
		},
		OnEnded: func(reason EndReason) {
			s.push(models.ServerFrame{
				Type:   models.FrameRoomEnded,
				Reason: string(reason),
				Text:   s.text("ended." + string(reason)),
			})
			ended <- reason
		},
	})
	if err != nil {
		if errors.Is(err, ErrRoomEnded) {
			s.push(models.ServerFrame{
				Type:   models.FrameRoomEnded,
				Reason: string(EndAccessDenied),
				Text:   s.text("ended." + string(EndAccessDenied)),
			})
			return false
		}
		s.log.Warn("could not open message channel", zap.String("room_id", room.ID), zap.Error(err))
		s.pushError("error.matchmaking", err)
		return false
	}

	frames := s.client.Frames()
	for {
		select {
		case reason := <-ended:
			s.closeChannel(ch)
			return reason == EndLeft

		case <-s.ctx.Done():
			s.closeChannel(ch)
			return true

		case f, ok := <-frames:
			if !ok {
				s.closeChannel(ch)
				return true
			}
			switch f.Type {
			case models.FrameCompose:
				ch.SetCompose(f.Content)
			case models.FrameSend:
				s.send(ch, f.Content)
			case models.FrameLeave:
				// OnEnded(EndLeft) has fired by the time Leave returns.
				_ = ch.Leave(s.ctx)
			case models.FrameJoin, models.FrameCancel:
			default:
				s.pushError("error.bad_frame", nil)
			}
		}
	}
}

func (s *Session) send(ch *MessageChannel, content string) {
	if content == "" {
		content = ch.Compose()
	}
	_, err := ch.Send(s.ctx, content)
	switch {
	case err == nil, errors.Is(err, ErrRoomEnded):
	case errors.Is(err, ErrSendFailed):
		s.push(models.ServerFrame{
			Type:  models.FrameSendFailed,
			Text:  ch.Compose(),
			Error: s.text("error.send_failed"),
		})
	default:
		s.push(models.ServerFrame{Type: models.FrameSendFailed, Text: content, Error: err.Error()})
	}
}

func (s *Session) closeChannel(ch *MessageChannel) {
	if err := ch.Close(); err != nil {
		s.log.Warn("closing message channel", zap.Error(err))
	}
}

// push hands a frame to the client without blocking; a full buffer drops it.
func (s *Session) push(f models.ServerFrame) {
	select {
	case s.client.GetSendChannel() <- f:
	default:
		s.log.Warn("client send buffer full, dropping frame", zap.String("type", f.Type))
	}
}

func (s *Session) pushError(key string, err error) {
	f := models.ServerFrame{Type: models.FrameError, Text: s.text(key)}
	if err != nil {
		f.Error = err.Error()
	}
	s.push(f)
}

func (s *Session) text(key string) string {
	if s.deps.Localizer == nil {
		return key
	}
	return s.deps.Localizer.GetString(s.lang, key)
}
