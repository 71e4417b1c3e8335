package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
)

const previewRunes = 120

// Sender is the identity inlined into delivered messages.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePayload is the wire form of a chat message.
type MessagePayload struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	Sender        Sender    `json:"sender"`
	Text          string    `json:"text"`
	ParentMessage *string   `json:"parentMessage"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ThreadPayload is a root message with its direct replies in chronological order.
type ThreadPayload struct {
	Root    MessagePayload   `json:"root"`
	Replies []MessagePayload `json:"replies"`
}

// PostRequest is a client's request to send a message.
type PostRequest struct {
	RoomID          string
	Text            string
	ParentMessageID *string
}

// ChatNotification is the data of a chat notification.
type ChatNotification struct {
	ProjectID     string  `json:"projectId"`
	MessageID     string  `json:"messageId"`
	SenderID      string  `json:"senderId"`
	SenderName    string  `json:"senderName"`
	Preview       string  `json:"preview"`
	ParentMessage *string `json:"parentMessage"`
}

func toPayload(message model.Message, sender Sender) MessagePayload {
	return MessagePayload{
		ID:            message.ID,
		RoomID:        message.RoomID,
		Sender:        sender,
		Text:          message.Text,
		ParentMessage: message.ParentMessageID,
		CreatedAt:     message.CreatedAt,
	}
}

// normalizeText trims the text and checks it against maxRunes.
func normalizeText(raw string, maxRunes int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// checkParent validates a candidate parent that was loaded for roomID.
func checkParent(parent model.Message, roomID string) error {
	if parent.RoomID != roomID {
		return ErrParentNotFound
	}
	if !parent.IsRoot() {
		return ErrInvalidParent
	}
	return nil
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}
