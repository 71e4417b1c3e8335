package model

import "time"

// Message is an immutable chat message. A nil ParentMessageID marks a root message;
// replies always point at a root in the same room.
type Message struct {
	ID              string
	RoomID          string
	SenderID        string
	Text            string
	ParentMessageID *string
	CreatedAt       time.Time
}

// IsRoot reports whether the message starts a thread.
func (m Message) IsRoot() bool {
	return m.ParentMessageID == nil
}
