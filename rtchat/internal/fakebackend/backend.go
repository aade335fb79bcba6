// Package fakebackend is an in-process stand-in for the chat backend used by
// tests: the JSON endpoints plus the per-room WebSocket.
package fakebackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Message is a stored history message.
type Message struct {
	Sender          string `json:"sender"`
	SenderFirstName string `json:"sender_first_name,omitempty"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// User is a searchable user.
type User struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
}

// Chat is a room listed by the filter endpoint.
type Chat struct {
	Kind   string
	ID     string
	Name   string
	Unread int
}

// MarkRead records one mark-as-read call.
type MarkRead struct {
	RoomID    string `json:"room_id"`
	IsPrivate bool   `json:"is_private"`
	CSRF      string `json:"-"`
}

// Frame is an outbound frame received from a client.
type Frame struct {
	Path     string `json:"-"`
	Message  string `json:"message"`
	RoomType string `json:"room_type"`
	RoomID   string `json:"room_id"`
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := p.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

// Backend holds fake server state. Exported knobs must be set before Start.
type Backend struct {
	// Username is the sender of echoed chat frames.
	Username string
	// CSRFToken, when set, must be echoed in X-CSRFToken on every POST.
	CSRFToken string
	// HistoryStatus, when non-zero, is returned by the history endpoint.
	HistoryStatus int
	// HistoryDelay holds history responses back.
	HistoryDelay time.Duration
	// CreateError makes creation endpoints answer success:false.
	CreateError string
	// Echo broadcasts received frames back to the room as chat_message.
	Echo bool

	mu        sync.Mutex
	history   map[string][]Message
	users     []User
	members   map[string][]map[string]string
	chats     []Chat
	markReads []MarkRead
	frames    []Frame
	peers     map[string]map[*peer]struct{}
	dials     int
	requests  map[string]int
	nextID    int
	changed   chan struct{}
}

func New() *Backend {
	return &Backend{
		Username: "server",
		Echo:     true,
		history:  map[string][]Message{},
		members:  map[string][]map[string]string{},
		peers:    map[string]map[*peer]struct{}{},
		requests: map[string]int{},
		nextID:   100,
		changed:  make(chan struct{}),
	}
}

// Start serves the backend on a loopback listener. Callers close the server.
func (b *Backend) Start() *httptest.Server {
	return httptest.NewServer(b.Handler())
}

// Handler builds the router.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(b.count)
	r.Get("/get_messages/{kind}/{id}/", b.handleHistory)
	r.Post("/mark_messages_as_read/", b.csrf(b.handleMarkRead))
	r.Get("/search_users/", b.handleSearch)
	r.Post("/create_private_chat/", b.csrf(b.handleCreatePrivate))
	r.Post("/create_group_chat/", b.csrf(b.handleCreateGroup))
	r.Get("/get_group_members/{id}/", b.handleMembers)
	r.Get("/filter/{type}/", b.handleFilter)
	r.Get("/ws/chat/{kind}/{id}/", b.handleWS)
	return r
}

func key(kind, id string) string { return kind + "/" + id }

// SetHistory replaces the history of a room.
func (b *Backend) SetHistory(kind, id string, msgs ...Message) {
	b.mu.Lock()
	b.history[key(kind, id)] = msgs
	b.mu.Unlock()
}

func (b *Backend) AddUser(u User) {
	b.mu.Lock()
	b.users = append(b.users, u)
	b.mu.Unlock()
}

func (b *Backend) AddChat(c Chat) {
	b.mu.Lock()
	b.chats = append(b.chats, c)
	b.mu.Unlock()
}

func (b *Backend) SetMembers(groupID string, members ...map[string]string) {
	b.mu.Lock()
	b.members[groupID] = members
	b.mu.Unlock()
}

// Requests counts requests whose path starts with prefix.
func (b *Backend) Requests(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for p, c := range b.requests {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

func (b *Backend) MarkReads() []MarkRead {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MarkRead(nil), b.markReads...)
}

func (b *Backend) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

// Dials is the number of accepted WebSocket handshakes.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConns is the number of live sockets across all rooms.
func (b *Backend) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.peers {
		n += len(set)
	}
	return n
}

// RoomConns is the number of live sockets for one room.
func (b *Backend) RoomConns(kind, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers[key(kind, id)])
}

// WaitFor polls cond until it holds or timeout elapses.
func (b *Backend) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		b.mu.Lock()
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Push writes v as a JSON frame to every socket of a room.
func (b *Backend) Push(kind, id string, v any) int {
	sent := 0
	for _, p := range b.roomPeers(key(kind, id)) {
		if err := p.writeJSON(v); err == nil {
			sent++
		}
	}
	return sent
}

// CloseRoom sends a close frame with code to every socket of a room.
func (b *Backend) CloseRoom(kind, id string, code int, text string) {
	for _, p := range b.roomPeers(key(kind, id)) {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		p.mu.Unlock()
	}
}

func (b *Backend) roomPeers(k string) []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.peers[k]))
	for p := range b.peers[k] {
		out = append(out, p)
	}
	return out
}

// notifyLocked wakes WaitFor callers. b.mu must be held.
func (b *Backend) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Backend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests[r.URL.Path]++
		b.notifyLocked()
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) csrf(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.CSRFToken == "" {
			next(w, r)
			return
		}
		ck, err := r.Cookie("csrftoken")
		if err != nil || ck.Value != b.CSRFToken || r.Header.Get("X-CSRFToken") != b.CSRFToken {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "CSRF verification failed"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[fakebackend] write response")
	}
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if b.HistoryDelay > 0 {
		select {
		case <-time.After(b.HistoryDelay):
		case <-r.Context().Done():
			return
		}
	}
	if b.HistoryStatus != 0 {
		writeJSON(w, b.HistoryStatus, map[string]any{"error": "An internal server error occurred"})
		return
	}
	kind := chi.URLParam(r, "kind")
	if kind != "private" && kind != "group" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid chat type"})
		return
	}
	b.mu.Lock()
	msgs := append([]Message{}, b.history[key(kind, chi.URLParam(r, "id"))]...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (b *Backend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkRead
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	req.CSRF = r.Header.Get("X-CSRFToken")
	b.mu.Lock()
	b.markReads = append(b.markReads, req)
	b.notifyLocked()
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (b *Backend) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	out := []map[string]any{}
	if len(q) >= 2 {
		b.mu.Lock()
		for _, u := range b.users {
			if strings.Contains(strings.ToLower(u.Username+" "+u.FirstName+" "+u.LastName), q) {
				out = append(out, map[string]any{
					"userid":     u.ID,
					"username":   u.Username,
					"first_name": u.FirstName,
					"last_name":  u.LastName,
				})
			}
		}
		b.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (b *Backend) handleCreatePrivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "user_id required"})
		return
	}
	if b.CreateError != "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": b.CreateError})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.chats {
		if c.Kind == "private" && c.Name == req.UserID {
			id, _ := strconv.Atoi(c.ID)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "chat_id": id, "exists": true})
			return
		}
	}
	b.nextID++
	b.chats = append(b.chats, Chat{Kind: "private", ID: strconv.Itoa(b.nextID), Name: req.UserID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chat_id": b.nextID, "exists": false})
}

func (b *Backend) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if b.CreateError != "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": b.CreateError})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := strconv.Itoa(b.nextID)
	b.chats = append(b.chats, Chat{Kind: "group", ID: id, Name: req.Name})
	members := make([]map[string]string, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, map[string]string{"username": m})
	}
	b.members[id] = members
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "group_id": b.nextID})
}

func (b *Backend) handleMembers(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	members, ok := b.members[chi.URLParam(r, "id")]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Group not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (b *Backend) handleFilter(w http.ResponseWriter, r *http.Request) {
	var kind string
	switch chi.URLParam(r, "type") {
	case "groups":
		kind = "group"
	case "private":
		kind = "private"
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid filter type"})
		return
	}
	out := []map[string]any{}
	b.mu.Lock()
	for _, c := range b.chats {
		if c.Kind != kind {
			continue
		}
		id, _ := strconv.Atoi(c.ID)
		row := map[string]any{"chat_type": c.Kind, "id": id, "unread_count": c.Unread}
		if kind == "group" {
			row["name"] = c.Name
		} else {
			row["other_username"] = c.Name
		}
		out = append(out, row)
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	kind, id := chi.URLParam(r, "kind"), chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[fakebackend] upgrade")
		return
	}
	k := key(kind, id)
	p := &peer{conn: conn}
	b.mu.Lock()
	if b.peers[k] == nil {
		b.peers[k] = map[*peer]struct{}{}
	}
	b.peers[k][p] = struct{}{}
	b.dials++
	b.notifyLocked()
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.peers[k], p)
		b.notifyLocked()
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		f.Path = r.URL.Path
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.notifyLocked()
		echo := b.Echo
		sender := b.Username
		b.mu.Unlock()
		if echo {
			b.Push(kind, id, map[string]any{
				"type":      "chat_message",
				"message":   f.Message,
				"sender":    sender,
				"timestamp": time.Now().Format("Jan. 02, 03:04 PM"),
			})
		}
	}
}
