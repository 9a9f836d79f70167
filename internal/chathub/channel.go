package chathub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"moodchat/backend/internal/config"
	"moodchat/backend/internal/crypto"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const draftPrefix = "draft-"

var (
	// ErrRoomEnded is returned by operations on a channel whose room has ended.
	ErrRoomEnded = errors.New("room has ended")
	// ErrSendFailed wraps a recoverable send failure; the draft text is back in the compose buffer.
	ErrSendFailed   = errors.New("message not sent")
	ErrEmptyMessage = errors.New("message is empty")
	ErrMessageLong  = errors.New("message is too long")
)

// EndReason says why a channel terminated.
type EndReason string

const (
	EndPeerLeft     EndReason = "peer_left"
	EndAccessDenied EndReason = "access_denied"
	EndLeft         EndReason = "left"
)

// KeySource hands out room keys. crypto.Keyring satisfies it.
type KeySource interface {
	RoomKey(ctx context.Context, room *models.Room, userID string) ([]byte, error)
	Forget(roomID string)
}

// ChannelConfig carries a MessageChannel's collaborators and hooks.
type ChannelConfig struct {
	Store        storage.Gateway
	Keys         KeySource
	Identity     Identity
	PollInterval time.Duration
	Clock        clockwork.Clock
	Log          *zap.Logger

	// OnMessages receives the displayed sequence after every change.
	// Calls are serialized.
	OnMessages func([]models.DisplayMessage)
	// OnEnded is called exactly once when the channel terminates.
	OnEnded func(EndReason)
}

type draft struct {
	id        string
	text      string
	createdAt time.Time
}

// MessageChannel is the live message list of one participant in an active room.
// Confirmed records are kept sorted by (created_at, id) and deduplicated by id;
// drafts of in-flight sends are shown after them.
type MessageChannel struct {
	room   *models.Room
	userID string
	key    []byte
	cfg    ChannelConfig
	log    *zap.Logger

	mu        sync.Mutex
	confirmed []models.Message
	display   map[string]models.DisplayMessage
	drafts    []draft
	compose   string
	ended     bool
	reason    EndReason

	emitMu   sync.Mutex
	endOnce  sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	abort    context.CancelFunc
	done     chan struct{}
	closeErr error
}

// OpenMessageChannel starts the channel for userID in room. It subscribes
// before loading history so no insert can fall between the two. If the room
// has already ended the returned error wraps ErrRoomEnded.
func OpenMessageChannel(ctx context.Context, room *models.Room, userID string, cfg ChannelConfig) (*MessageChannel, error) {
	if !room.HasParticipant(userID) {
		return nil, fmt.Errorf("open channel for room %s: %w", room.ID, storage.ErrAccessDenied)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.MessagePollInterval
	}
	log := cfg.Log.Named("channel").With(zap.String("room_id", room.ID), zap.String("user_id", userID))

	msgSub, err := cfg.Store.SubscribeMessages(ctx, room.ID)
	if err != nil {
		log.Warn("message subscription failed, relying on polling", zap.Error(err))
		msgSub = nil
	}
	roomSub, err := cfg.Store.SubscribeRoom(ctx, room.ID)
	if err != nil {
		log.Warn("room subscription failed, relying on polling", zap.Error(err))
		roomSub = nil
	}

	history, err := cfg.Store.ListMessages(ctx, room.ID, userID)
	if err != nil {
		closeErr := closeSubscriptions(msgSub, roomSub)
		if storage.IsAccessDenied(err) {
			return nil, multierr.Append(fmt.Errorf("load history: %w: %w", ErrRoomEnded, err), closeErr)
		}
		return nil, multierr.Append(fmt.Errorf("load history: %w", err), closeErr)
	}

	// Only a readable room gets a key; an ended one must not leave a key row behind.
	key, err := cfg.Keys.RoomKey(ctx, room, userID)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("room key: %w", err), closeSubscriptions(msgSub, roomSub))
	}

	c := &MessageChannel{
		room:    room.Clone(),
		userID:  userID,
		key:     key,
		cfg:     cfg,
		log:     log,
		display: make(map[string]models.DisplayMessage),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.reconcile(history)

	loopCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	c.abort = abort
	go c.run(loopCtx, msgSub, roomSub)
	return c, nil
}

func (c *MessageChannel) run(ctx context.Context, msgSub storage.Subscription[models.Message], roomSub storage.Subscription[models.Room]) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		c.closeErr = closeSubscriptions(msgSub, roomSub)
		close(c.done)
	}()

	var msgEvents <-chan models.Message
	if msgSub != nil {
		msgEvents = msgSub.Events()
	}
	var roomEvents <-chan models.Room
	if roomSub != nil {
		roomEvents = roomSub.Events()
	}

	c.emit()

	for {
		select {
		case <-c.stop:
			return

		case msg, ok := <-msgEvents:
			if !ok {
				msgEvents = nil
				continue
			}
			if c.insertLive(msg) {
				c.emit()
			}

		case room, ok := <-roomEvents:
			if !ok {
				roomEvents = nil
				continue
			}
			if room.Status == models.StatusEnded {
				c.terminate(EndPeerLeft)
			}

		case <-ticker.Chan():
			c.poll(ctx)
		}
	}
}

// poll re-reads the whole history and the room row. Transient failures are
// logged and left for the next tick.
func (c *MessageChannel) poll(ctx context.Context) {
	msgs, err := c.cfg.Store.ListMessages(ctx, c.room.ID, c.userID)
	switch {
	case storage.IsAccessDenied(err):
		c.terminate(EndAccessDenied)
		return
	case err != nil:
		if ctx.Err() == nil {
			c.log.Warn("message poll failed", zap.Error(err))
		}
		return
	}
	if c.reconcile(msgs) {
		c.emit()
	}

	room, err := c.cfg.Store.GetRoom(ctx, c.room.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.terminate(EndAccessDenied)
	case err != nil:
		if ctx.Err() == nil {
			c.log.Warn("room poll failed", zap.Error(err))
		}
	case room.Status == models.StatusEnded:
		c.terminate(EndPeerLeft)
	}
}

// insertLive adds one pushed record at its sorted position unless it is already known.
func (c *MessageChannel) insertLive(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(msg)
}

func (c *MessageChannel) insertLocked(msg models.Message) bool {
	if msg.RoomID != c.room.ID {
		return false
	}
	if _, seen := c.display[msg.ID]; seen {
		return false
	}
	i, _ := slices.BinarySearchFunc(c.confirmed, msg, compareMessages)
	c.confirmed = slices.Insert(c.confirmed, i, msg)
	c.display[msg.ID] = c.decrypt(msg)
	return true
}

// reconcile makes a full history read authoritative. Records already delivered
// by push that the read does not include yet are kept, since messages are
// append-only. It reports whether the confirmed sequence changed.
func (c *MessageChannel) reconcile(fetched []models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make([]models.Message, 0, len(fetched)+len(c.confirmed))
	inFetch := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		if m.RoomID != c.room.ID {
			continue
		}
		if _, dup := inFetch[m.ID]; dup {
			continue
		}
		inFetch[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range c.confirmed {
		if _, ok := inFetch[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	slices.SortFunc(merged, compareMessages)

	if slices.EqualFunc(merged, c.confirmed, sameMessage) {
		return false
	}

	display := make(map[string]models.DisplayMessage, len(merged))
	for _, m := range merged {
		if prev, ok := c.display[m.ID]; ok && sameMessage(m, c.find(m.ID)) {
			display[m.ID] = prev
			continue
		}
		display[m.ID] = c.decrypt(m)
	}
	c.confirmed = merged
	c.display = display
	return true
}

// find returns the confirmed record with id. Caller holds mu.
func (c *MessageChannel) find(id string) models.Message {
	for _, m := range c.confirmed {
		if m.ID == id {
			return m
		}
	}
	return models.Message{}
}

// decrypt renders a record for display. An unreadable record stays in the
// sequence, flagged.
func (c *MessageChannel) decrypt(m models.Message) models.DisplayMessage {
	dm, err := RenderMessage(m, c.userID, c.key)
	if err != nil {
		c.log.Warn("message could not be decrypted", zap.String("message_id", m.ID), zap.Error(err))
	}
	return dm
}

// RenderMessage decrypts m as seen by viewerID. On failure the returned
// message carries DecryptFailed and the error says why.
func RenderMessage(m models.Message, viewerID string, key []byte) (models.DisplayMessage, error) {
	dm := models.DisplayMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		Own:       m.SenderID == viewerID,
	}
	text, err := crypto.Decrypt(m.Content, m.IV, key)
	if err != nil {
		dm.DecryptFailed = true
		return dm, err
	}
	dm.Text = text
	return dm, nil
}

// Snapshot returns the displayed sequence: confirmed records then pending drafts.
func (c *MessageChannel) Snapshot() []models.DisplayMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.DisplayMessage, 0, len(c.confirmed)+len(c.drafts))
	for _, m := range c.confirmed {
		out = append(out, c.display[m.ID])
	}
	for _, d := range c.drafts {
		out = append(out, models.DisplayMessage{
			ID:        d.id,
			SenderID:  c.userID,
			Text:      d.text,
			CreatedAt: d.createdAt,
			Own:       true,
			Pending:   true,
		})
	}
	return out
}

func (c *MessageChannel) emit() {
	if c.cfg.OnMessages == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.cfg.OnMessages(c.Snapshot())
}

// SetCompose replaces the compose buffer.
func (c *MessageChannel) SetCompose(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compose = text
}

// Compose returns the compose buffer.
func (c *MessageChannel) Compose() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compose
}

// Room returns the room the channel was opened for.
func (c *MessageChannel) Room() *models.Room { return c.room.Clone() }

// Ended reports whether the channel terminated, and why.
func (c *MessageChannel) Ended() (bool, EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended, c.reason
}

// Send encrypts text and inserts it, showing a draft meanwhile. On success the
// stored record replaces the draft. On a transient failure the draft is removed,
// text is restored to the compose buffer and the error wraps ErrSendFailed.
// If the store denies access the channel ends and the error wraps ErrRoomEnded.
func (c *MessageChannel) Send(ctx context.Context, text string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > config.MaxMessageLength {
		return nil, ErrMessageLong
	}
	if ended, _ := c.Ended(); ended {
		return nil, ErrRoomEnded
	}

	sealed, err := crypto.Encrypt(text, c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	d := draft{id: draftPrefix + uuid.NewString(), text: text, createdAt: c.cfg.Clock.Now()}
	c.mu.Lock()
	c.drafts = append(c.drafts, d)
	c.compose = ""
	c.mu.Unlock()
	c.emit()

	msg := &models.Message{
		RoomID:   c.room.ID,
		SenderID: c.userID,
		Content:  sealed.Ciphertext,
		IV:       sealed.IV,
	}
	err = c.cfg.Store.InsertMessage(ctx, msg)

	c.mu.Lock()
	c.drafts = slices.DeleteFunc(c.drafts, func(x draft) bool { return x.id == d.id })
	switch {
	case err == nil:
		c.insertLocked(*msg)
	case storage.IsAccessDenied(err):
		c.compose = ""
	default:
		c.compose = text
	}
	c.mu.Unlock()
	c.emit()

	switch {
	case err == nil:
		return msg, nil
	case storage.IsAccessDenied(err):
		c.terminate(EndAccessDenied)
		return nil, fmt.Errorf("send: %w: %w", ErrRoomEnded, err)
	default:
		c.log.Warn("send failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
}

// terminate moves the channel to its ended state and stops the loop. Only the
// first call has any effect, whichever detection path makes it.
func (c *MessageChannel) terminate(reason EndReason) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.reason = reason
		c.mu.Unlock()

		c.log.Info("channel ended", zap.String("reason", string(reason)))
		c.signalStop()
		if c.cfg.OnEnded != nil {
			c.cfg.OnEnded(reason)
		}
	})
}

func (c *MessageChannel) signalStop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.abort()
	})
}

// Leave ends the room for both participants, best-effort, signs the identity
// out and forgets the room key. The channel terminates with EndLeft unless it
// had already ended. Errors are reported but the channel is closed regardless.
func (c *MessageChannel) Leave(ctx context.Context) error {
	alreadyEnded, _ := c.Ended()
	c.terminate(EndLeft)
	errs := c.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if !alreadyEnded {
		err := c.cfg.Store.EndRoom(ctx, c.room.ID, c.userID, c.cfg.Clock.Now())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("end room: %w", err))
		}
	}
	if c.cfg.Identity != nil {
		errs = multierr.Append(errs, c.cfg.Identity.SignOut(ctx, c.userID))
	}
	c.cfg.Keys.Forget(c.room.ID)

	if errs != nil {
		c.log.Warn("leave incomplete", zap.Error(errs))
	}
	return errs
}

// Close stops the poll and the subscriptions and waits for the loop to exit.
// It does not change the room. Calling it again is a no-op. Must not be called
// from OnMessages or OnEnded.
func (c *MessageChannel) Close() error {
	c.signalStop()
	<-c.done
	return c.closeErr
}

func closeSubscriptions(msgSub storage.Subscription[models.Message], roomSub storage.Subscription[models.Room]) error {
	var errs error
	if msgSub != nil {
		errs = multierr.Append(errs, msgSub.Close())
	}
	if roomSub != nil {
		errs = multierr.Append(errs, roomSub.Close())
	}
	return errs
}

func compareMessages(a, b models.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	}
	return 0
}

func sameMessage(a, b models.Message) bool {
	return a.ID == b.ID && a.CreatedAt.Equal(b.CreatedAt) && a.SenderID == b.SenderID &&
		a.Content == b.Content && a.IV == b.IV
}
