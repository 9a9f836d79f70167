package config

import "time"

const (
	// Waiting room
	WaitingPollInterval = 1500 * time.Millisecond
	AbandonAfterMin     = 1 * time.Minute
	AbandonAfterMax     = 3 * time.Minute

	// Chat
	MessagePollInterval = 2 * time.Second
	MaxMessageLength    = 2000

	// Identity
	DefaultTokenTTL = 72 * time.Hour
)

// SessionTiming holds the timers a chat session runs on.
type SessionTiming struct {
	WaitingPollInterval time.Duration
	MessagePollInterval time.Duration
	AbandonMin          time.Duration
	AbandonMax          time.Duration
}

// DefaultSessionTiming returns the production timings.
func DefaultSessionTiming() SessionTiming {
	return SessionTiming{
		WaitingPollInterval: WaitingPollInterval,
		MessagePollInterval: MessagePollInterval,
		AbandonMin:          AbandonAfterMin,
		AbandonMax:          AbandonAfterMax,
	}
}
