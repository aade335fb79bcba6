package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

// MinSearchRunes is the shortest query sent to the user search endpoint.
const MinSearchRunes = 2

// HistoryMessage is one entry of the history endpoint.
type HistoryMessage struct {
	Message         string `json:"message"`
	Sender          string `json:"sender"`
	SenderUsername  string `json:"sender_username,omitempty"`
	SenderFirstName string `json:"sender_first_name,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// User is a user search result. The backend has sent both {userid,
// first_name, last_name} and {id, username}.
type User struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
}

func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID    room.WireID `json:"userid"`
		ID        room.WireID `json:"id"`
		Username  string      `json:"username"`
		FirstName string      `json:"first_name"`
		LastName  string      `json:"last_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = raw.UserID.String()
	if u.ID == "" {
		u.ID = raw.ID.String()
	}
	u.Username = raw.Username
	u.FirstName = raw.FirstName
	u.LastName = raw.LastName
	return nil
}

// DisplayName is "first last" when both are set, else the username, else the id.
func (u User) DisplayName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// Member is a group member.
type Member struct {
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

func (m Member) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	if full := strings.TrimSpace(m.FirstName + " " + m.LastName); full != "" {
		return full
	}
	return m.Username
}

// PrivateChat is the create-private response. Exists is true when the
// backend returned an existing room.
type PrivateChat struct {
	ID     string
	Exists bool
}

// ChatSummary is one row of the filter endpoint.
type ChatSummary struct {
	Ref         room.Ref
	DisplayName string
	Unread      int
}

// Messages fetches history for ref in server order.
func (c *Client) Messages(ctx context.Context, ref room.Ref) ([]HistoryMessage, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var resp struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, "get messages", ref.HistoryPath(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkRead marks every message in ref as read for the current user.
func (c *Client) MarkRead(ctx context.Context, ref room.Ref) error {
	body := struct {
		RoomID    string `json:"room_id"`
		IsPrivate bool   `json:"is_private"`
	}{RoomID: ref.ID, IsPrivate: ref.IsPrivate()}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.postJSON(ctx, "mark messages as read", "/mark_messages_as_read/", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &Error{Op: "mark messages as read", Message: resp.Error}
	}
	return nil
}

// SearchUsers returns matching users. Queries shorter than MinSearchRunes
// return nil without a request.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinSearchRunes {
		return nil, nil
	}
	var resp struct {
		Users []User `json:"users"`
	}
	if err := c.getJSON(ctx, "search users", "/search_users/", url.Values{"q": {query}}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// CreatePrivateChat creates or looks up the private room with userID.
func (c *Client) CreatePrivateChat(ctx context.Context, userID string) (PrivateChat, error) {
	const op = "create private chat"
	body := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}
	var resp struct {
		Success bool        `json:"success"`
		ChatID  room.WireID `json:"chat_id"`
		Exists  bool        `json:"exists"`
		Error   string      `json:"error"`
	}
	if err := c.postJSON(ctx, op, "/create_private_chat/", body, &resp); err != nil {
		return PrivateChat{}, err
	}
	if !resp.Success || resp.ChatID == "" {
		return PrivateChat{}, &Error{Op: op, Message: resp.Error}
	}
	return PrivateChat{ID: resp.ChatID.String(), Exists: resp.Exists}, nil
}

// CreateGroupChat creates a group with the given members and returns its id.
func (c *Client) CreateGroupChat(ctx context.Context, name string, members []string) (string, error) {
	const op = "create group chat"
	body := struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}{Name: name, Members: members}
	var resp struct {
		Success bool        `json:"success"`
		GroupID room.WireID `json:"group_id"`
		Error   string      `json:"error"`
	}
	if err := c.postJSON(ctx, op, "/create_group_chat/", body, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.GroupID == "" {
		return "", &Error{Op: op, Message: resp.Error}
	}
	return resp.GroupID.String(), nil
}

// GroupMembers lists the members of a group room.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	var resp struct {
		Members []Member `json:"members"`
	}
	if err := c.getJSON(ctx, "get group members", "/get_group_members/"+url.PathEscape(groupID)+"/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Chats lists the rooms of one kind from the filter endpoint.
func (c *Client) Chats(ctx context.Context, kind room.Kind) ([]ChatSummary, error) {
	segment := "private"
	if kind == room.Group {
		segment = "groups"
	}
	var resp struct {
		Chats []struct {
			ChatType      string      `json:"chat_type"`
			ID            room.WireID `json:"id"`
			Name          string      `json:"name"`
			OtherUsername string      `json:"other_username"`
			UnreadCount   int         `json:"unread_count"`
		} `json:"chats"`
	}
	if err := c.getJSON(ctx, "list chats", "/filter/"+segment+"/", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(resp.Chats))
	for _, ch := range resp.Chats {
		k, err := room.ParseKind(ch.ChatType)
		if err != nil {
			k = kind
		}
		name := ch.Name
		if name == "" {
			name = ch.OtherUsername
		}
		out = append(out, ChatSummary{
			Ref:         room.Ref{Kind: k, ID: ch.ID.String()},
			DisplayName: name,
			Unread:      ch.UnreadCount,
		})
	}
	return out, nil
}
