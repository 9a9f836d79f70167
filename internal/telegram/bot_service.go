// Package telegram handles the integration with the Telegram Bot API.
// Each Telegram chat is driven through the same chat session as a websocket
// connection: the bot turns updates into client frames and renders the
// session's frames back as chat messages.
package telegram

import (
	"context"
	"strings"
	"sync"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/identity"
	"moodchat/backend/internal/localization"
	"moodchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	moodCallbackPrefix = "mood:"
	updateTimeout      = 60
)

// BotService is responsible for receiving Telegram updates and routing them to the hub.
type BotService struct {
	BotAPI    *tgbotapi.BotAPI
	Hub       *chathub.ManagerService
	Identity  *identity.Service
	Localizer *localization.Localizer
	Log       *zap.Logger

	sender  Sender
	mu      sync.Mutex
	clients map[int64]*Client
}

// NewBotService creates a new BotService instance.
func NewBotService(token string, hub *chathub.ManagerService, ident *identity.Service, loc *localization.Localizer, log *zap.Logger) (*BotService, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	s := newBotService(bot, hub, ident, loc, log)
	s.BotAPI = bot
	s.Log.Info("authorized on telegram", zap.String("account", bot.Self.UserName))
	return s, nil
}

func newBotService(sender Sender, hub *chathub.ManagerService, ident *identity.Service, loc *localization.Localizer, log *zap.Logger) *BotService {
	if log == nil {
		log = zap.NewNop()
	}
	return &BotService{
		Hub:       hub,
		Identity:  ident,
		Localizer: loc,
		Log:       log.Named("telegram"),
		sender:    sender,
		clients:   make(map[int64]*Client),
	}
}

// Run long-polls for updates until ctx is done.
func (s *BotService) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout
	updates := s.BotAPI.GetUpdatesChan(u)
	defer s.BotAPI.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.HandleUpdate(update)
		}
	}
}

// HandleUpdate routes one update.
func (s *BotService) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		s.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		s.handleMessage(update.Message)
	}
}

func (s *BotService) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	lang := s.language(msg.From)

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			if c := s.client(chatID); c != nil && c.GetRoomID() != "" {
				s.reply(chatID, s.Localizer.GetString(lang, "state.matched"))
				return
			}
			s.sendMoodKeyboard(chatID, lang)
		case "stop":
			c := s.client(chatID)
			if c == nil {
				s.reply(chatID, s.Localizer.GetString(lang, "tg.not_in_chat"))
				return
			}
			if c.GetRoomID() != "" {
				c.Deliver(models.ClientFrame{Type: models.FrameLeave})
			} else {
				c.Deliver(models.ClientFrame{Type: models.FrameCancel})
			}
		default:
			s.reply(chatID, s.Localizer.GetString(lang, "error.bad_frame"))
		}
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	c := s.client(chatID)
	if c == nil || c.GetRoomID() == "" || strings.TrimSpace(content) == "" {
		s.reply(chatID, s.Localizer.GetString(lang, "tg.not_in_chat"))
		return
	}
	c.Deliver(models.ClientFrame{Type: models.FrameSend, Content: content})
}

func (s *BotService) handleCallback(cq *tgbotapi.CallbackQuery) {
	if _, err := s.sender.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		s.Log.Debug("answering callback failed", zap.Error(err))
	}
	if cq.Message == nil || cq.Message.Chat == nil || !strings.HasPrefix(cq.Data, moodCallbackPrefix) {
		return
	}
	chatID := cq.Message.Chat.ID
	lang := s.language(cq.From)

	mood, err := models.ParseMood(strings.TrimPrefix(cq.Data, moodCallbackPrefix))
	if err != nil {
		s.reply(chatID, s.Localizer.GetString(lang, "error.unknown_mood"))
		return
	}

	c, err := s.connect(chatID, lang)
	if err != nil {
		s.Log.Error("could not start telegram session", zap.Int64("chat_id", chatID), zap.Error(err))
		s.reply(chatID, s.Localizer.GetString(lang, "error.matchmaking"))
		return
	}
	c.Deliver(models.ClientFrame{Type: models.FrameJoin, Mood: string(mood)})
}

// client returns the chat's open client, or nil.
func (s *BotService) client(chatID int64) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[chatID]
	if c == nil || c.Closed() {
		return nil
	}
	return c
}

// connect returns the chat's open client, signing in a fresh anonymous
// identity and starting a session when there is none.
func (s *BotService) connect(chatID int64, lang string) (*Client, error) {
	s.mu.Lock()
	if c := s.clients[chatID]; c != nil && !c.Closed() {
		s.mu.Unlock()
		return c, nil
	}
	_, anonID, err := s.Identity.SignInAnonymously()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c := newClient(anonID, chatID, s.sender, func(key string) string {
		return s.Localizer.GetString(lang, key)
	}, s.Log)
	s.clients[chatID] = c
	s.mu.Unlock()

	c.Run()
	s.Hub.Connect(c, lang)
	return c, nil
}

func (s *BotService) sendMoodKeyboard(chatID int64, lang string) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(models.Moods); i += 2 {
		var row []tgbotapi.InlineKeyboardButton
		for _, m := range models.Moods[i:min(i+2, len(models.Moods))] {
			label := s.Localizer.GetString(lang, "mood."+string(m))
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, moodCallbackPrefix+string(m)))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(row...))
	}

	msg := tgbotapi.NewMessage(chatID, s.Localizer.GetString(lang, "tg.pick_mood"))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := s.sender.Send(msg); err != nil {
		s.Log.Warn("failed to send mood keyboard", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (s *BotService) reply(chatID int64, text string) {
	if _, err := s.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		s.Log.Warn("failed to send telegram reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (s *BotService) language(u *tgbotapi.User) string {
	if u != nil && s.Localizer.Supports(u.LanguageCode) {
		return u.LanguageCode
	}
	return localization.DefaultLanguage
}
