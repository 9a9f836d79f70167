package telegram

import (
	"strings"
	"sync"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	sendBufferSize  = 64
	frameBufferSize = 16
)

// Sender is the part of *tgbotapi.BotAPI the bot needs to talk back.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Client реалізує інтерфейс chathub.Client для одного Telegram-чату
type Client struct {
	UserID string // anon id, видається при /start
	ChatID int64
	Send   chan models.ServerFrame

	bot  Sender
	text func(key string) string
	log  *zap.Logger

	mu        sync.Mutex
	roomID    string
	incoming  chan models.ClientFrame
	closed    chan struct{}
	closeOnce sync.Once
	// seen holds the peer messages already forwarded for the current room.
	seen map[string]struct{}
}

var _ chathub.Client = (*Client)(nil)

func newClient(userID string, chatID int64, bot Sender, text func(string) string, log *zap.Logger) *Client {
	return &Client{
		UserID:   userID,
		ChatID:   chatID,
		Send:     make(chan models.ServerFrame, sendBufferSize),
		bot:      bot,
		text:     text,
		log:      log.With(zap.Int64("chat_id", chatID), zap.String("user_id", userID)),
		incoming: make(chan models.ClientFrame, frameBufferSize),
		closed:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// --- Реалізація методів інтерфейсу ---

func (c *Client) GetUserID() string                         { return c.UserID }
func (c *Client) GetSendChannel() chan<- models.ServerFrame { return c.Send }
func (c *Client) Frames() <-chan models.ClientFrame         { return c.incoming }

func (c *Client) GetRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) SetRoomID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

// Run запускає 'write pump'. 'Read pump' обробляється централізовано в BotService.
func (c *Client) Run() {
	go c.writePump()
}

// Close закриває Send канал
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.Send)
	})
}

// Closed reports whether the session behind the client has ended.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver hands a command from the chat to the session. It reports false
// once the client is closed.
func (c *Client) Deliver(f models.ClientFrame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.incoming <- f:
		return true
	case <-c.closed:
		return false
	}
}

// writePump слухає канал Send і надсилає повідомлення в Telegram
func (c *Client) writePump() {
	defer c.log.Debug("telegram write pump stopped")

	for frame := range c.Send {
		for _, text := range c.render(frame) {
			if _, err := c.bot.Send(tgbotapi.NewMessage(c.ChatID, text)); err != nil {
				c.log.Warn("failed to send telegram message", zap.String("frame", frame.Type), zap.Error(err))
			}
		}
	}
}

// render turns one frame into the chat messages it produces. Telegram keeps
// its own history, so only peer messages not forwarded yet are sent.
func (c *Client) render(f models.ServerFrame) []string {
	switch f.Type {
	case models.FrameState:
		// Matched is announced by its own frame.
		if f.State == string(chathub.StateMatched) || f.Text == "" {
			return nil
		}
		return []string{f.Text}

	case models.FrameMatched:
		c.seen = make(map[string]struct{})
		return []string{"✅ " + f.Text}

	case models.FrameMessages:
		var out []string
		for _, m := range f.Messages {
			if m.Own || m.Pending {
				continue
			}
			if _, ok := c.seen[m.ID]; ok {
				continue
			}
			c.seen[m.ID] = struct{}{}
			if m.DecryptFailed {
				out = append(out, c.text("tg.decrypt_failed"))
				continue
			}
			out = append(out, m.Text)
		}
		return out

	case models.FrameSendFailed:
		msg := "⚠️ " + f.Error
		if strings.TrimSpace(f.Text) != "" {
			msg += "\n\n" + f.Text
		}
		return []string{msg}

	case models.FrameRoomEnded, models.FrameAbandoned:
		return []string{"🚪 " + f.Text + "\n" + c.text("tg.restart_hint")}

	case models.FrameError:
		return []string{"⚠️ " + f.Text}
	}
	return nil
}
