package chathub_test

import (
	"sync"
	"testing"
	"time"

	"moodchat/backend/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	userID string

	mu     sync.Mutex
	roomID string

	RecvChannel chan models.ServerFrame
	frames      chan models.ClientFrame
	closed      chan struct{}
	closeOnce   sync.Once
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		userID:      userID,
		RecvChannel: make(chan models.ServerFrame, 64),
		frames:      make(chan models.ClientFrame, 8),
		closed:      make(chan struct{}),
	}
}

func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) GetRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *MockClient) SetRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

func (c *MockClient) GetSendChannel() chan<- models.ServerFrame { return c.RecvChannel }
func (c *MockClient) Frames() <-chan models.ClientFrame         { return c.frames }

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// send feeds a frame as if the UI had sent it.
func (c *MockClient) send(f models.ClientFrame) { c.frames <- f }

// disconnect simulates the connection going away.
func (c *MockClient) disconnect() { close(c.frames) }

func (c *MockClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// expect reads frames until one of type frameType arrives.
func (c *MockClient) expect(t *testing.T, frameType string) models.ServerFrame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-c.RecvChannel:
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			require.FailNow(t, "frame not received", "want %q for %s", frameType, c.userID)
			return models.ServerFrame{}
		}
	}
}

// expectMessages reads snapshots until pred accepts one.
func (c *MockClient) expectMessages(t *testing.T, pred func([]models.DisplayMessage) bool) []models.DisplayMessage {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-c.RecvChannel:
			if f.Type == models.FrameMessages && pred(f.Messages) {
				return f.Messages
			}
		case <-deadline:
			require.FailNow(t, "messages not received", "for %s", c.userID)
			return nil
		}
	}
}

func (c *MockClient) awaitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		require.FailNow(t, "client was not closed", c.userID)
	}
}
