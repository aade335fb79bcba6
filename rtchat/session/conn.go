package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	// ClosePermissionDenied is the close code the backend uses when the user
	// may not join a room.
	ClosePermissionDenied = 4001
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Dialer opens a room socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket. Jar supplies the session
// cookie for the handshake.
type WebsocketDialer struct {
	Jar              http.CookieJar
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Jar:              d.Jar,
	}
	conn, resp, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &deadlineConn{Conn: conn}, nil
}

// deadlineConn sets a write deadline on every write.
type deadlineConn struct {
	*websocket.Conn
}

func (c *deadlineConn) WriteMessage(messageType int, data []byte) error {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// connection owns one room socket. Writes are serialized by mu.
type connection struct {
	ref     room.Ref
	conn    Conn
	mu      sync.Mutex
	closing atomic.Bool
	done    chan struct{}
}

func newConnection(ref room.Ref, conn Conn) *connection {
	return &connection{ref: ref, conn: conn, done: make(chan struct{})}
}

// writeJSON writes v as one text frame without HTML escaping, so <, > and &
// reach the server as typed.
func (cn *connection) writeJSON(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closing.Load() {
		return errConnectionClosed
	}
	return cn.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n"))
}

var errConnectionClosed = errors.New("connection closed")

// close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (cn *connection) close() {
	if cn.closing.Swap(true) {
		return
	}
	cn.mu.Lock()
	_ = cn.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cn.mu.Unlock()
	_ = cn.conn.Close()
}

// readLoop delivers frames until the socket fails, then reports the error.
func (cn *connection) readLoop(onFrame func(*connection, []byte), onClose func(*connection, error)) {
	defer close(cn.done)
	for {
		_, data, err := cn.conn.ReadMessage()
		if err != nil {
			onClose(cn, err)
			return
		}
		onFrame(cn, data)
	}
}

// closeCode extracts the close code from a read error, or 0.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
