package chathub

import (
	"encoding/json"
	"sync"
	"time"

	"moodchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	sendBufferSize  = 64
	frameBufferSize = 16
)

// WebSocketClient реалізує інтерфейс chathub.Client
type WebSocketClient struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan models.ServerFrame

	mu        sync.Mutex
	roomID    string
	incoming  chan models.ClientFrame
	closed    chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// NewWebSocketClient wraps an upgraded connection.
func NewWebSocketClient(userID string, conn *websocket.Conn, log *zap.Logger) *WebSocketClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketClient{
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan models.ServerFrame, sendBufferSize),
		incoming: make(chan models.ClientFrame, frameBufferSize),
		closed:   make(chan struct{}),
		log:      log.Named("ws").With(zap.String("user_id", userID)),
	}
}

// --- Реалізація методів інтерфейсу ---

func (c *WebSocketClient) GetUserID() string                         { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- models.ServerFrame { return c.Send }
func (c *WebSocketClient) Frames() <-chan models.ClientFrame         { return c.incoming }

func (c *WebSocketClient) GetRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *WebSocketClient) SetRoomID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close закриває Send канал (що зупинить writePump)
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.Send)
	})
}

// readPump decodes client frames until the connection fails or the client is closed.
func (c *WebSocketClient) readPump() {
	defer func() {
		close(c.incoming)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("error reading message", zap.Error(err))
			}
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.Debug("dropping undecodable frame", zap.Error(err))
			frame = models.ClientFrame{}
		}

		select {
		case c.incoming <- frame:
		case <-c.closed:
			return
		}
	}
}

// writePump (маленька 'w') читає фрейми з каналу Send і записує їх у WebSocket.
// Each frame is its own text message; frames already queued are flushed together.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Канал закрито сесією, закриваємо з'єднання WS
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.writeFrame(frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}

			// Перевіряємо, чи є ще фрейми у каналі (для ефективності)
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := c.writeFrame(next); err != nil {
					return
				}
			}

		case <-ticker.C:
			// Надсилаємо Ping для підтримки з'єднання активним
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) writeFrame(frame models.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("error encoding frame", zap.String("type", frame.Type), zap.Error(err))
		return nil
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}
