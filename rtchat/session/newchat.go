package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

// Validation errors for the creation flows. Their text is shown to the user.
var (
	ErrUserRequired      = errors.New("please select a user first")
	ErrGroupNameRequired = errors.New("please enter a group name")
	ErrMembersRequired   = errors.New("please add at least one member to the group")
	ErrNotGroup          = errors.New("the open room is not a group")
)

// LoadContacts replaces the contact list with the backend's groups followed
// by its private chats.
func (c *Client) LoadContacts(ctx context.Context) error {
	var entries []contacts.Entry
	for _, kind := range []room.Kind{room.Group, room.Private} {
		chats, err := c.backend.Chats(ctx, kind)
		if err != nil {
			return fmt.Errorf("load %s chats: %w", kind, err)
		}
		for _, ch := range chats {
			entries = append(entries, contacts.Entry{Ref: ch.Ref, DisplayName: ch.DisplayName, Unread: ch.Unread})
		}
	}
	c.contacts.Reset(entries)
	c.mu.Lock()
	c.renderer.RenderContacts(c.contacts.View())
	c.mu.Unlock()
	c.log.Debug().Int("entries", len(entries)).Msg("[session] contacts loaded")
	return nil
}

// SearchUsers looks up users to start a chat with.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]api.User, error) {
	users, err := c.backend.SearchUsers(ctx, query)
	if err != nil {
		c.log.Warn().Err(err).Msg("[session] user search failed")
		return nil, err
	}
	return users, nil
}

// StartPrivateChat asks the backend for the private room with userID, which
// may already exist, and opens it.
func (c *Client) StartPrivateChat(ctx context.Context, userID, displayName string) (room.Ref, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return room.Ref{}, ErrUserRequired
	}
	chat, err := c.backend.CreatePrivateChat(ctx, userID)
	if err != nil {
		c.log.Warn().Err(err).Str("target", userID).Msg("[session] create private chat failed")
		return room.Ref{}, err
	}
	if displayName == "" {
		displayName = userID
	}
	ref := room.Ref{Kind: room.Private, ID: chat.ID}
	c.log.Info().Str("room", ref.String()).Bool("exists", chat.Exists).Msg("[session] private chat ready")
	return ref, c.navigate(ctx, contacts.Entry{Ref: ref, DisplayName: displayName})
}

// StartGroupChat creates a group with name and members and opens it.
func (c *Client) StartGroupChat(ctx context.Context, name string, members []string) (room.Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return room.Ref{}, ErrGroupNameRequired
	}
	ids := uniqueIDs(members)
	if len(ids) == 0 {
		return room.Ref{}, ErrMembersRequired
	}
	id, err := c.backend.CreateGroupChat(ctx, name, ids)
	if err != nil {
		c.log.Warn().Err(err).Str("name", name).Msg("[session] create group chat failed")
		return room.Ref{}, err
	}
	ref := room.Ref{Kind: room.Group, ID: id}
	c.log.Info().Str("room", ref.String()).Int("members", len(ids)).Msg("[session] group chat created")
	return ref, c.navigate(ctx, contacts.Entry{Ref: ref, DisplayName: name})
}

// navigate lists the room if it is not known yet and opens it.
func (c *Client) navigate(ctx context.Context, e contacts.Entry) error {
	c.contacts.Add(e)
	return c.SwitchRoom(ctx, e.Ref)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GroupMembers returns the display names of the open group's members.
func (c *Client) GroupMembers(ctx context.Context) ([]string, error) {
	ref, ok := c.ActiveRoom()
	if !ok || ref.Kind != room.Group {
		return nil, ErrNotGroup
	}
	members, err := c.backend.GroupMembers(ctx, ref.ID)
	if err != nil {
		c.log.Warn().Err(err).Str("room", ref.String()).Msg("[session] load group members failed")
		return nil, err
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.DisplayName())
	}
	return names, nil
}
