package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

// Inbound frame types.
const (
	FrameChatMessage  = "chat_message"
	FrameNotification = "notification"
)

// inboundFrame is the union of the server's chat_message and notification
// frames, discriminated by Type.
type inboundFrame struct {
	Type string `json:"type"`

	// chat_message
	Message         string `json:"message"`
	Sender          string `json:"sender"`
	SenderUsername  string `json:"sender_username"`
	SenderFirstName string `json:"sender_first_name"`
	Timestamp       string `json:"timestamp"`
	RoomType        string `json:"room_type"`

	// notification
	RoomID      room.WireID     `json:"room_id"`
	UnreadCount *int            `json:"unread_count"`
	LastMessage json.RawMessage `json:"last_message"`
}

// outboundFrame is what the client sends on the room socket.
type outboundFrame struct {
	Message  string    `json:"message"`
	RoomType room.Kind `json:"room_type"`
	RoomID   string    `json:"room_id"`
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// lastMessageText accepts {"message": "..."} or a bare string.
func lastMessageText(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	var obj struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode last_message: %w", err)
	}
	return obj.Message, nil
}

// ChatMessage is one received or historical message. Immutable once built.
type ChatMessage struct {
	Body       string
	SenderID   string
	SenderName string
	// SentAt is the timestamp label as formatted by the server.
	SentAt   string
	RoomKind room.Kind
}

// sender resolves display name and id the way the web client did: the first
// name (lowercased) or the username for display, the username for identity.
func sender(firstName, username, fallback string) (name, id string) {
	name = firstName
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = "unknown"
	}
	id = username
	if id == "" {
		id = fallback
	}
	if id == "" {
		id = "unknown"
	}
	return strings.ToLower(name), id
}

func messageFromFrame(f inboundFrame, fallback room.Kind) ChatMessage {
	kind := fallback
	if k, err := room.ParseKind(f.RoomType); err == nil {
		kind = k
	}
	name, id := sender(f.SenderFirstName, f.SenderUsername, f.Sender)
	return ChatMessage{Body: f.Message, SenderID: id, SenderName: name, SentAt: f.Timestamp, RoomKind: kind}
}

func messageFromHistory(m api.HistoryMessage, kind room.Kind) ChatMessage {
	name, id := sender(m.SenderFirstName, m.SenderUsername, m.Sender)
	return ChatMessage{Body: m.Message, SenderID: id, SenderName: name, SentAt: m.Timestamp, RoomKind: kind}
}
