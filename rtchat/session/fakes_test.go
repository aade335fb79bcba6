package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	url  string
	in   chan []byte
	fail chan error
	done chan struct{}
	// hold, when set, blocks text writes until it is closed; writing is
	// signalled as each such write starts.
	hold    chan struct{}
	writing chan struct{}

	mu      sync.Mutex
	written [][]byte
	control []int
	once    sync.Once
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:     url,
		in:      make(chan []byte, 16),
		fail:    make(chan error, 1),
		done:    make(chan struct{}),
		writing: make(chan struct{}, 4),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case err := <-c.fail:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage && c.hold != nil {
		c.writing <- struct{}{}
		<-c.hold
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errFakeClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.written = append(c.written, append([]byte(nil), data...))
	} else {
		c.control = append(c.control, messageType)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	hold  chan struct{}
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(url)
	c.hold = d.hold
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeBackend struct {
	mu         sync.Mutex
	history    map[room.Ref][]api.HistoryMessage
	historyErr error
	// gate, when set, holds Messages until it is closed.
	gate      chan struct{}
	entered   chan struct{}
	markReads []room.Ref
	chats     map[room.Kind][]api.ChatSummary
	members   map[string][]api.Member
	users     []api.User
	createErr error
	nextID    int
	searches  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: map[room.Ref][]api.HistoryMessage{},
		chats:   map[room.Kind][]api.ChatSummary{},
		members: map[string][]api.Member{},
		entered: make(chan struct{}, 8),
		nextID:  40,
	}
}

func (b *fakeBackend) Messages(ctx context.Context, ref room.Ref) ([]api.HistoryMessage, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	select {
	case b.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return b.history[ref], nil
}

func (b *fakeBackend) MarkRead(_ context.Context, ref room.Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markReads = append(b.markReads, ref)
	return nil
}

func (b *fakeBackend) marked() []room.Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]room.Ref(nil), b.markReads...)
}

func (b *fakeBackend) SearchUsers(_ context.Context, query string) ([]api.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches = append(b.searches, query)
	return b.users, nil
}

func (b *fakeBackend) CreatePrivateChat(_ context.Context, userID string) (api.PrivateChat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return api.PrivateChat{}, b.createErr
	}
	b.nextID++
	return api.PrivateChat{ID: strconv.Itoa(b.nextID)}, nil
}

func (b *fakeBackend) CreateGroupChat(_ context.Context, name string, members []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.nextID++
	id := strconv.Itoa(b.nextID)
	for _, m := range members {
		b.members[id] = append(b.members[id], api.Member{Username: m})
	}
	return id, nil
}

func (b *fakeBackend) GroupMembers(_ context.Context, groupID string) ([]api.Member, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.members[groupID], nil
}

func (b *fakeBackend) Chats(_ context.Context, kind room.Kind) ([]api.ChatSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chats[kind], nil
}

func (b *fakeBackend) SocketURL(ref room.Ref) string {
	return "ws://fake" + ref.SocketPath()
}

type recordingRenderer struct {
	mu       sync.Mutex
	panes    []PaneView
	contacts [][]contacts.View
	alerts   []string
}

func (r *recordingRenderer) RenderPane(v PaneView) {
	r.mu.Lock()
	r.panes = append(r.panes, v)
	r.mu.Unlock()
}

func (r *recordingRenderer) RenderContacts(v []contacts.View) {
	r.mu.Lock()
	r.contacts = append(r.contacts, v)
	r.mu.Unlock()
}

func (r *recordingRenderer) Alert(msg string) {
	r.mu.Lock()
	r.alerts = append(r.alerts, msg)
	r.mu.Unlock()
}

func (r *recordingRenderer) alertList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

type harness struct {
	client   *Client
	backend  *fakeBackend
	dialer   *fakeDialer
	renderer *recordingRenderer
}

func newHarness(t *testing.T, userID string, entries ...contacts.Entry) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		dialer:   &fakeDialer{},
		renderer: &recordingRenderer{},
	}
	h.client = New(userID, h.backend, h.dialer, Options{
		Renderer: h.renderer,
		Contacts: contacts.New(entries),
	})
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
