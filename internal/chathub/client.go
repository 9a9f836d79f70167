package chathub

import "moodchat/backend/internal/models"

// Client is the interface for any type of connection a session is driven over.
// It abstracts the underlying communication mechanism, allowing the hub to manage
// different client types uniformly.
type Client interface {
	// GetUserID returns the anonymous identifier the client authenticated as.
	GetUserID() string
	// GetRoomID returns the identifier of the chat room the client is currently in.
	GetRoomID() string
	// SetRoomID assigns the client to a chat room, or clears it with "".
	SetRoomID(string)

	// GetSendChannel returns the channel the session pushes frames for this
	// client into. The session stops sending before it calls Close.
	GetSendChannel() chan<- models.ServerFrame
	// Frames returns the commands received from the client. It is closed when
	// the connection goes away.
	Frames() <-chan models.ClientFrame

	// Run starts the client's read and write pumps.
	Run()
	// Close gracefully shuts down the client's connection and associated channels.
	// It is safe to call more than once.
	Close()
}
