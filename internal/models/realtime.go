package models

import "time"

// Client frame types, sent by the UI over the session websocket.
const (
	FrameJoin    = "join"    // select a mood and start matchmaking
	FrameSend    = "send"    // send the given content
	FrameCompose = "compose" // update the compose buffer
	FrameCancel  = "cancel"  // stop searching
	FrameLeave   = "leave"   // leave the active room
)

// Server frame types, pushed to the UI.
const (
	FrameState      = "state"       // search state changed
	FrameMatched    = "matched"     // room is active, chat begins
	FrameMessages   = "messages"    // full displayed sequence
	FrameSendFailed = "send_failed" // send failed, Text carries the restored draft
	FrameRoomEnded  = "room_ended"  // chat terminated, Reason says why
	FrameAbandoned  = "abandoned"   // no match found in time
	FrameError      = "error"
)

// ClientFrame is a command received from the UI.
type ClientFrame struct {
	Type    string `json:"type"`
	Mood    string `json:"mood,omitempty"`
	Content string `json:"content,omitempty"`
}

// ServerFrame is an event pushed to the UI.
type ServerFrame struct {
	Type     string           `json:"type"`
	State    string           `json:"state,omitempty"`
	Room     *Room            `json:"room,omitempty"`
	Messages []DisplayMessage `json:"messages,omitempty"`
	Text     string           `json:"text,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// DisplayMessage is a decrypted message as shown to one participant.
type DisplayMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// Own is true for messages authored by the viewing participant.
	Own bool `json:"own"`
	// Pending marks an optimistic draft not yet confirmed by the store.
	Pending bool `json:"pending,omitempty"`
	// DecryptFailed marks a record whose ciphertext could not be opened.
	DecryptFailed bool `json:"decrypt_failed,omitempty"`
}
