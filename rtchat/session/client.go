// Package session keeps one chat room open: it owns the room socket, renders
// history and live messages into the pane, and folds push notifications into
// the contact list.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

// deliveryPolicy names how a background operation treats failure.
type deliveryPolicy string

const bestEffort deliveryPolicy = "best-effort"

const (
	// markReadPolicy: one request, failure logged, local unread already zeroed.
	markReadPolicy = bestEffort
	// sendPolicy: one write, no acknowledgment awaited.
	sendPolicy = bestEffort
	// transportPolicy: a closed socket stays closed until the next room switch.
	transportPolicy = bestEffort

	defaultRequestTimeout = 10 * time.Second
)

// PermissionDeniedText is the alert raised when the backend refuses a room.
const PermissionDeniedText = "You don't have permission to access this chat"

var ErrClosed = errors.New("session closed")

// Backend is the HTTP side of the chat server. *api.Client implements it.
type Backend interface {
	Messages(ctx context.Context, ref room.Ref) ([]api.HistoryMessage, error)
	MarkRead(ctx context.Context, ref room.Ref) error
	SearchUsers(ctx context.Context, query string) ([]api.User, error)
	CreatePrivateChat(ctx context.Context, userID string) (api.PrivateChat, error)
	CreateGroupChat(ctx context.Context, name string, members []string) (string, error)
	GroupMembers(ctx context.Context, groupID string) ([]api.Member, error)
	Chats(ctx context.Context, kind room.Kind) ([]api.ChatSummary, error)
	SocketURL(ref room.Ref) string
}

// Options configures New. Zero values are usable.
type Options struct {
	Logger         *zerolog.Logger
	Renderer       Renderer
	Contacts       *contacts.List
	RequestTimeout time.Duration
}

// Client is the chat session for one user. All state changes, whether from
// user calls, socket frames or request completions, are applied one at a
// time under mu.
type Client struct {
	userID   string
	backend  Backend
	dialer   Dialer
	renderer Renderer
	contacts *contacts.List
	timeout  time.Duration
	log      zerolog.Logger

	// switchMu serializes SwitchRoom.
	switchMu sync.Mutex

	mu     sync.Mutex
	active *room.Ref
	conn   *connection
	// switching is set from teardown until the new room is active; live
	// messages are buffered in pending meanwhile.
	switching bool
	pending   []ChatMessage
	pane      Pane
	closed    bool

	readers    sync.WaitGroup
	background sync.WaitGroup
}

func New(userID string, backend Backend, dialer Dialer, opts Options) *Client {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	r := opts.Renderer
	if r == nil {
		r = nopRenderer{}
	}
	list := opts.Contacts
	if list == nil {
		list = contacts.New(nil)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		userID:   userID,
		backend:  backend,
		dialer:   dialer,
		renderer: r,
		contacts: list,
		timeout:  timeout,
		log: logger.With().
			Str("component", "session").
			Str("session_id", uuid.NewString()).
			Str("user", userID).
			Logger(),
	}
}

// UserID is the current user's id as used for message alignment.
func (c *Client) UserID() string { return c.userID }

// Contacts is the contact list the client updates.
func (c *Client) Contacts() *contacts.List { return c.contacts }

// ActiveRoom returns the open room, if any.
func (c *Client) ActiveRoom() (room.Ref, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return room.Ref{}, false
	}
	return *c.active, true
}

// Connected reports whether a room socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pane returns a snapshot of the message pane.
func (c *Client) Pane() PaneView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pane.View()
}

// SwitchRoom closes the current socket, opens one for ref, loads and renders
// history, makes ref the active room and marks it read. It blocks until the
// history has been rendered; concurrent calls run one after another.
// History and dial failures are shown in the pane or logged, not returned.
func (c *Client) SwitchRoom(ctx context.Context, ref room.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.conn
	c.conn = nil
	c.active = nil
	c.pending = nil
	c.switching = true
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	logger := c.log.With().Str("room", ref.String()).Logger()

	// Open the new socket before loading history so frames sent meanwhile are
	// buffered instead of lost.
	var cn *connection
	if conn, err := c.dialer.Dial(ctx, c.backend.SocketURL(ref)); err != nil {
		logger.Warn().Err(err).Msg("[session] chat socket dial failed")
	} else {
		cn = newConnection(ref, conn)
		c.mu.Lock()
		if c.closed {
			c.switching = false
			c.mu.Unlock()
			cn.close()
			return ErrClosed
		}
		c.conn = cn
		c.readers.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.readers.Done()
			cn.readLoop(c.receive, c.socketClosed)
		}()
		logger.Debug().Msg("[session] chat socket opened")
	}

	history, herr := c.backend.Messages(ctx, ref)

	c.mu.Lock()
	c.pane.Reset(ref)
	switch {
	case herr != nil:
		logger.Warn().Err(herr).Msg("[session] load history failed")
		c.pane.ShowError(historyErrorDetail(herr))
	case len(history) == 0:
		c.pane.ShowEmpty()
	default:
		for _, m := range history {
			c.renderLocked(messageFromHistory(m, ref.Kind))
		}
	}
	for _, m := range c.pending {
		c.renderLocked(m)
	}
	c.pending = nil
	c.switching = false
	active := ref
	c.active = &active
	c.contacts.MarkRead(ref)
	c.renderer.RenderPane(c.pane.View())
	c.renderer.RenderContacts(c.contacts.View())
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.background.Add(1)
	c.mu.Unlock()

	go c.markRead(ref)
	return nil
}

func historyErrorDetail(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "request cancelled"
	}
	return ""
}

// markRead runs in the background; the caller has added it to c.background.
func (c *Client) markRead(ref room.Ref) {
	defer c.background.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.backend.MarkRead(ctx, ref); err != nil {
		c.log.Warn().Err(err).Str("room", ref.String()).Str("policy", string(markReadPolicy)).
			Msg("[session] mark as read failed")
	}
}

// SendMessage transmits text to the active room. It reports whether a frame
// was written; blank text, no active room or no open socket make it a no-op.
func (c *Client) SendMessage(text string) bool {
	body := strings.TrimSpace(text)
	if body == "" {
		c.log.Debug().Msg("[session] not sending blank message")
		return false
	}
	c.mu.Lock()
	if c.active == nil || c.conn == nil {
		c.log.Debug().Bool("active", c.active != nil).Bool("connected", c.conn != nil).
			Msg("[session] not sending: no open room")
		c.mu.Unlock()
		return false
	}
	cn := c.conn
	frame := outboundFrame{Message: body, RoomType: c.active.Kind, RoomID: c.active.ID}
	c.mu.Unlock()

	// c.mu is not held across the write; cn serializes its own writes.
	if err := cn.writeJSON(frame); err != nil {
		c.log.Warn().Err(err).Str("policy", string(sendPolicy)).Msg("[session] send failed")
		return false
	}
	return true
}

// OnIncoming applies one inbound frame as if it arrived on the current socket.
func (c *Client) OnIncoming(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatchLocked(payload)
}

// RenderMessage appends msg to the pane.
func (c *Client) RenderMessage(msg ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderLocked(msg)
	c.renderer.RenderPane(c.pane.View())
}

func (c *Client) renderLocked(msg ChatMessage) {
	c.pane.Append(recordFor(msg, c.userID))
}

// receive handles a frame from cn. Frames from a replaced socket are dropped.
func (c *Client) receive(cn *connection, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cn != c.conn {
		c.log.Debug().Str("room", cn.ref.String()).Msg("[session] dropping frame from stale socket")
		return
	}
	c.dispatchLocked(data)
}

func (c *Client) dispatchLocked(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("[session] ignoring malformed frame")
		return
	}
	switch f.Type {
	case FrameChatMessage:
		var fallback room.Kind
		if c.active != nil {
			fallback = c.active.Kind
		} else if c.conn != nil {
			fallback = c.conn.ref.Kind
		}
		msg := messageFromFrame(f, fallback)
		if c.switching {
			// History for this room is still loading.
			c.pending = append(c.pending, msg)
			return
		}
		if c.active == nil {
			c.log.Warn().Str("sender", msg.SenderID).Msg("[session] chat message with no open room dropped")
			return
		}
		c.renderLocked(msg)
		c.renderer.RenderPane(c.pane.View())
	case FrameNotification:
		c.notifyLocked(f)
	default:
		c.log.Debug().Str("type", f.Type).Msg("[session] ignoring unknown frame type")
	}
}

func (c *Client) notifyLocked(f inboundFrame) {
	kind, err := room.ParseKind(f.RoomType)
	if err != nil {
		c.log.Warn().Err(err).Msg("[session] notification with bad room type")
		return
	}
	last, err := lastMessageText(f.LastMessage)
	if err != nil {
		c.log.Warn().Err(err).Msg("[session] notification with bad last message")
		return
	}
	ref := room.Ref{Kind: kind, ID: f.RoomID.String()}
	if !c.contacts.Apply(contacts.Update{Ref: ref, Unread: f.UnreadCount, LastMessage: last}) {
		c.log.Debug().Str("room", ref.String()).Msg("[session] notification for unknown room dropped")
		return
	}
	c.renderer.RenderContacts(c.contacts.View())
}

// socketClosed runs when cn's read loop ends.
func (c *Client) socketClosed(cn *connection, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cn != c.conn || cn.closing.Load() {
		c.log.Debug().Str("room", cn.ref.String()).Msg("[session] chat socket closed")
		return
	}
	c.conn = nil
	code := closeCode(err)
	c.log.Error().Err(err).Str("room", cn.ref.String()).Int("code", code).
		Str("policy", string(transportPolicy)).Msg("[session] chat socket closed")
	if code == ClosePermissionDenied {
		c.renderer.Alert(PermissionDeniedText)
	}
}

// Close closes the socket and waits for background requests to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	c.readers.Wait()
	c.background.Wait()
	return nil
}
