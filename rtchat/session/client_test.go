package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

var (
	private1 = room.Ref{Kind: room.Private, ID: "1"}
	group5   = room.Ref{Kind: room.Group, ID: "5"}
	private9 = room.Ref{Kind: room.Private, ID: "9"}
)

func sampleEntries() []contacts.Entry {
	return []contacts.Entry{
		{Ref: private1, DisplayName: "alice"},
		{Ref: group5, DisplayName: "Hiking Club", Unread: 2},
		{Ref: private9, DisplayName: "Bob", Preview: "see you"},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSwitchRoomKeepsOneSocket(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	ctx := context.Background()

	for _, ref := range []room.Ref{private1, group5, private1} {
		if err := h.client.SwitchRoom(ctx, ref); err != nil {
			t.Fatalf("switch %s: %v", ref, err)
		}
	}

	conns := h.dialer.all()
	if len(conns) != 3 {
		t.Fatalf("dialed %d sockets, want 3", len(conns))
	}
	for i, c := range conns[:2] {
		if !c.isClosed() {
			t.Fatalf("socket %d still open after switch", i)
		}
	}
	if conns[2].isClosed() {
		t.Fatal("current socket closed")
	}
	if conns[1].url != "ws://fake/ws/chat/group/5/" {
		t.Fatalf("dial url = %q", conns[1].url)
	}
	if got, ok := h.client.ActiveRoom(); !ok || got != private1 {
		t.Fatalf("active = %v %v", got, ok)
	}
}

func TestConcurrentSwitchesRunOneAtATime(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	gate := make(chan struct{})
	h.backend.gate = gate
	ctx := context.Background()

	errs := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- h.client.SwitchRoom(ctx, private1)
	}()
	<-h.backend.entered
	for _, ref := range []room.Ref{group5, private9} {
		ref := ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.client.SwitchRoom(ctx, ref)
		}()
	}

	// The queued switches must not dial while the first history load is held.
	time.Sleep(50 * time.Millisecond)
	if conns := h.dialer.all(); len(conns) != 1 || conns[0].isClosed() {
		t.Fatalf("sockets while first switch loads: %d dialed", len(conns))
	}

	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("switch: %v", err)
		}
	}

	conns := h.dialer.all()
	if len(conns) != 3 {
		t.Fatalf("dialed %d sockets, want 3", len(conns))
	}
	for i, c := range conns[:2] {
		if !c.isClosed() {
			t.Fatalf("socket %d (%s) still open", i, c.url)
		}
	}
	last := conns[2]
	if last.isClosed() {
		t.Fatal("last socket closed")
	}
	active, ok := h.client.ActiveRoom()
	if !ok || h.backend.SocketURL(active) != last.url {
		t.Fatalf("active = %v, last dialed %s", active, last.url)
	}
	if view := h.client.Pane(); view.Room != active {
		t.Fatalf("pane shows %v, active %v", view.Room, active)
	}
}

func TestSwitchRoomClosesWithNormalClosure(t *testing.T) {
	h := newHarness(t, "me")
	ctx := context.Background()
	_ = h.client.SwitchRoom(ctx, private1)
	first := h.dialer.last()
	_ = h.client.SwitchRoom(ctx, group5)

	first.mu.Lock()
	defer first.mu.Unlock()
	if len(first.control) != 1 || first.control[0] != websocket.CloseMessage {
		t.Fatalf("control frames = %v", first.control)
	}
}

func TestSwitchRoomRendersGroupHistory(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	h.backend.history[group5] = []api.HistoryMessage{{Message: "hi", Sender: "bob", Timestamp: "Oct. 14, 05:30 PM"}}

	if err := h.client.SwitchRoom(context.Background(), group5); err != nil {
		t.Fatalf("switch: %v", err)
	}

	view := h.client.Pane()
	if view.Placeholder != PlaceholderNone {
		t.Fatalf("placeholder = %v", view.Placeholder)
	}
	if len(view.Records) != 1 {
		t.Fatalf("records = %+v", view.Records)
	}
	r := view.Records[0]
	if r.Alignment != Incoming || r.Prefix != "bob" || r.Body != "hi" || r.SentAt != "Oct. 14, 05:30 PM" {
		t.Fatalf("record = %+v", r)
	}
	if view.ScrollTo != 0 {
		t.Fatalf("scroll to %d", view.ScrollTo)
	}
}

func TestSwitchRoomEmptyHistory(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), private1)

	view := h.client.Pane()
	if view.Placeholder != PlaceholderEmpty || view.PlaceholderText != EmptyText {
		t.Fatalf("view = %+v", view)
	}
	if view.ScrollTo != -1 {
		t.Fatalf("scroll to %d", view.ScrollTo)
	}
}

func TestSwitchRoomHistoryErrorStillActivates(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	h.backend.historyErr = &api.Error{Op: "get messages", Status: 500, Message: "An internal server error occurred"}

	if err := h.client.SwitchRoom(context.Background(), group5); err != nil {
		t.Fatalf("switch: %v", err)
	}

	view := h.client.Pane()
	if view.Placeholder != PlaceholderError {
		t.Fatalf("placeholder = %v", view.Placeholder)
	}
	if view.PlaceholderText != HistoryErrorText+": An internal server error occurred" {
		t.Fatalf("placeholder text = %q", view.PlaceholderText)
	}
	if _, ok := h.client.ActiveRoom(); !ok {
		t.Fatal("room not active after history failure")
	}
	e, _ := h.client.Contacts().Lookup(group5)
	if e.Unread != 0 {
		t.Fatalf("unread = %d, want 0", e.Unread)
	}
	eventually(t, "mark read", func() bool { return len(h.backend.marked()) == 1 })
}

func TestSwitchRoomMarksRead(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	_ = h.client.SwitchRoom(context.Background(), group5)

	eventually(t, "mark read", func() bool { return len(h.backend.marked()) == 1 })
	if got := h.backend.marked()[0]; got != group5 {
		t.Fatalf("marked %v", got)
	}
	if e, _ := h.client.Contacts().Lookup(group5); e.Unread != 0 {
		t.Fatalf("unread = %d", e.Unread)
	}
}

func TestSwitchRoomRejectsInvalidRef(t *testing.T) {
	h := newHarness(t, "me")
	err := h.client.SwitchRoom(context.Background(), room.Ref{Kind: "channel", ID: "1"})
	if !errors.Is(err, room.ErrInvalidRoom) {
		t.Fatalf("err = %v", err)
	}
	if len(h.dialer.all()) != 0 {
		t.Fatal("dialed for invalid room")
	}
}

func TestSwitchRoomDialFailure(t *testing.T) {
	h := newHarness(t, "me")
	h.dialer.err = errors.New("connection refused")

	if err := h.client.SwitchRoom(context.Background(), private1); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if h.client.Connected() {
		t.Fatal("connected after dial failure")
	}
	if _, ok := h.client.ActiveRoom(); !ok {
		t.Fatal("room not active")
	}
	if h.client.SendMessage("hello") {
		t.Fatal("sent without a socket")
	}
}

func TestLiveFramesDuringHistoryRenderAfterIt(t *testing.T) {
	h := newHarness(t, "me")
	h.backend.history[private1] = []api.HistoryMessage{{Message: "first", Sender: "alice"}}
	gate := make(chan struct{})
	h.backend.gate = gate

	done := make(chan error, 1)
	go func() { done <- h.client.SwitchRoom(context.Background(), private1) }()
	<-h.backend.entered

	h.dialer.last().in <- mustJSON(t, map[string]any{"type": "chat_message", "message": "live", "sender": "alice"})
	eventually(t, "buffered frame", func() bool {
		h.client.mu.Lock()
		defer h.client.mu.Unlock()
		return len(h.client.pending) == 1
	})
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("switch: %v", err)
	}

	records := h.client.Pane().Records
	if len(records) != 2 || records[0].Body != "first" || records[1].Body != "live" {
		t.Fatalf("records = %+v", records)
	}
}

func TestStaleFramesDropped(t *testing.T) {
	h := newHarness(t, "me")
	ctx := context.Background()
	_ = h.client.SwitchRoom(ctx, private1)
	h.client.mu.Lock()
	stale := h.client.conn
	h.client.mu.Unlock()

	_ = h.client.SwitchRoom(ctx, group5)
	h.client.receive(stale, mustJSON(t, map[string]any{"type": "chat_message", "message": "old room", "sender": "alice"}))

	if view := h.client.Pane(); len(view.Records) != 0 || view.Room != group5 {
		t.Fatalf("view = %+v", view)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), group5)

	if !h.client.SendMessage("  a <b> & c  ") {
		t.Fatal("send reported false")
	}
	got := h.dialer.last().writes()
	want := `{"message":"a <b> & c","room_type":"group","room_id":"5"}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("writes = %q, want %q", got, want)
	}
}

func TestSendBlankNeverTransmits(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), private1)

	for _, text := range []string{"", "   ", "\n\t "} {
		if h.client.SendMessage(text) {
			t.Fatalf("sent %q", text)
		}
	}
	if got := h.dialer.last().writes(); len(got) != 0 {
		t.Fatalf("writes = %q", got)
	}
}

func TestSendWithoutRoom(t *testing.T) {
	h := newHarness(t, "me")
	if h.client.SendMessage("hello") {
		t.Fatal("sent with no active room")
	}
}

func TestIncomingAlignment(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), group5)

	h.client.OnIncoming(mustJSON(t, map[string]any{"type": "chat_message", "message": "mine", "sender": "me"}))
	h.client.OnIncoming(mustJSON(t, map[string]any{
		"type": "chat_message", "message": "theirs", "sender": "amy", "sender_username": "amy", "sender_first_name": "Amy",
	}))

	records := h.client.Pane().Records
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Alignment != Outgoing || records[0].Prefix != "" {
		t.Fatalf("own record = %+v", records[0])
	}
	if records[1].Alignment != Incoming || records[1].Prefix != "amy" {
		t.Fatalf("other record = %+v", records[1])
	}
}

func TestIncomingReplacesEmptyPlaceholder(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), private1)
	h.client.OnIncoming(mustJSON(t, map[string]any{"type": "chat_message", "message": "hey", "sender": "alice"}))

	view := h.client.Pane()
	if view.Placeholder != PlaceholderNone || len(view.Records) != 1 {
		t.Fatalf("view = %+v", view)
	}
	if view.Records[0].Prefix != "" {
		t.Fatalf("private record has prefix %q", view.Records[0].Prefix)
	}
}

func TestChatMessageWithNoRoomDropped(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	c := New("me", newFakeBackend(), &fakeDialer{}, Options{Logger: &logger})
	t.Cleanup(func() { _ = c.Close() })

	c.OnIncoming(mustJSON(t, map[string]any{"type": "chat_message", "message": "early", "sender": "alice"}))
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Fatalf("buffered %d messages with no switch running", pending)
	}
	if !strings.Contains(logs.String(), "no open room dropped") {
		t.Fatalf("drop not logged: %s", logs.String())
	}

	_ = c.SwitchRoom(context.Background(), private1)
	if view := c.Pane(); len(view.Records) != 0 || view.Placeholder != PlaceholderEmpty {
		t.Fatalf("view = %+v", view)
	}
}

func TestSlowSendDoesNotBlockInbound(t *testing.T) {
	h := newHarness(t, "me")
	hold := make(chan struct{})
	h.dialer.hold = hold
	_ = h.client.SwitchRoom(context.Background(), private1)
	conn := h.dialer.last()

	sent := make(chan bool, 1)
	go func() { sent <- h.client.SendMessage("slow") }()
	<-conn.writing

	done := make(chan struct{})
	go func() {
		h.client.OnIncoming(mustJSON(t, map[string]any{"type": "chat_message", "message": "meanwhile", "sender": "alice"}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(hold)
		t.Fatal("inbound frame blocked behind a pending write")
	}
	close(hold)
	if !<-sent {
		t.Fatal("send reported false")
	}
	if records := h.client.Pane().Records; len(records) != 1 || records[0].Body != "meanwhile" {
		t.Fatalf("records = %+v", records)
	}
	if got := conn.writes(); len(got) != 1 {
		t.Fatalf("writes = %q", got)
	}
}

func TestNotificationUpdatesContact(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	long := "This is a very long notification message body that keeps going"

	h.client.OnIncoming(mustJSON(t, map[string]any{
		"type": "notification", "room_type": "private", "room_id": 9,
		"unread_count": 3, "last_message": map[string]any{"message": long},
	}))

	entries := h.client.Contacts().Entries()
	if entries[0].Ref != private9 {
		t.Fatalf("first entry = %v", entries[0].Ref)
	}
	if entries[0].Unread != 3 {
		t.Fatalf("unread = %d", entries[0].Unread)
	}
	if entries[0].Preview != long[:30] {
		t.Fatalf("preview = %q", entries[0].Preview)
	}
}

func TestNotificationStringLastMessage(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	h.client.OnIncoming([]byte(`{"type":"notification","room_type":"group","room_id":"5","last_message":"ok"}`))

	e, _ := h.client.Contacts().Lookup(group5)
	if e.Preview != "ok" || e.Unread != 2 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestNotificationUnknownRoomIgnored(t *testing.T) {
	h := newHarness(t, "me", sampleEntries()...)
	before := h.client.Contacts().Entries()

	h.client.OnIncoming([]byte(`{"type":"notification","room_type":"private","room_id":77,"unread_count":4,"last_message":{"message":"x"}}`))
	h.client.OnIncoming([]byte(`{"type":"notification","room_type":"channel","room_id":1}`))
	h.client.OnIncoming([]byte(`{"type":"presence"}`))
	h.client.OnIncoming([]byte(`not json`))

	after := h.client.Contacts().Entries()
	if len(after) != len(before) {
		t.Fatalf("entries changed: %+v", after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("entry %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestPermissionDeniedAlerts(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), group5)

	h.dialer.last().fail <- &websocket.CloseError{Code: ClosePermissionDenied, Text: "forbidden"}
	eventually(t, "socket drop", func() bool { return !h.client.Connected() })

	alerts := h.renderer.alertList()
	if len(alerts) != 1 || alerts[0] != PermissionDeniedText {
		t.Fatalf("alerts = %q", alerts)
	}
	if h.client.SendMessage("hello") {
		t.Fatal("sent on a dropped socket")
	}
}

func TestUnexpectedCloseDoesNotAlert(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), group5)

	h.dialer.last().fail <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	eventually(t, "socket drop", func() bool { return !h.client.Connected() })
	if alerts := h.renderer.alertList(); len(alerts) != 0 {
		t.Fatalf("alerts = %q", alerts)
	}
}

func TestCloseStopsSession(t *testing.T) {
	h := newHarness(t, "me")
	_ = h.client.SwitchRoom(context.Background(), private1)
	conn := h.dialer.last()

	if err := h.client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("socket left open")
	}
	if err := h.client.SwitchRoom(context.Background(), group5); !errors.Is(err, ErrClosed) {
		t.Fatalf("switch after close: %v", err)
	}
	if err := h.client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
