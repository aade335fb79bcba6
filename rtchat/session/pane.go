package session

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
)

// Placeholder texts shown in place of messages.
const (
	EmptyText        = "No messages in this chat yet"
	HistoryErrorText = "Could not load messages"
)

// Alignment of a rendered message.
type Alignment string

const (
	Outgoing Alignment = "outgoing"
	Incoming Alignment = "incoming"
)

// Placeholder is the non-message content of the pane.
type Placeholder int

const (
	PlaceholderNone Placeholder = iota
	PlaceholderEmpty
	PlaceholderError
)

// Record is one rendered message. Body and Prefix are plain text.
type Record struct {
	Alignment Alignment
	// Prefix is the sender name shown on incoming group messages.
	Prefix   string
	Body     string
	SentAt   string
	SenderID string
}

// PaneView is a snapshot of the pane handed to a Renderer.
type PaneView struct {
	Room room.Ref
	// Generation changes every time the pane is cleared for a room switch.
	Generation      int
	Records         []Record
	Placeholder     Placeholder
	PlaceholderText string
	// ScrollTo is the index of the newest record, -1 when there is none.
	ScrollTo int
}

// Renderer projects client state. Methods are called with the client's lock
// held and must not call back into the Client.
type Renderer interface {
	RenderPane(PaneView)
	RenderContacts([]contacts.View)
	Alert(msg string)
}

type nopRenderer struct{}

func (nopRenderer) RenderPane(PaneView)            {}
func (nopRenderer) RenderContacts([]contacts.View) {}
func (nopRenderer) Alert(string)                   {}

// Pane is the message pane model.
type Pane struct {
	room        room.Ref
	generation  int
	records     []Record
	placeholder Placeholder
	text        string
}

// Reset clears the pane for ref.
func (p *Pane) Reset(ref room.Ref) {
	p.room = ref
	p.generation++
	p.records = nil
	p.placeholder = PlaceholderNone
	p.text = ""
}

func (p *Pane) ShowEmpty() {
	p.records = nil
	p.placeholder = PlaceholderEmpty
	p.text = EmptyText
}

func (p *Pane) ShowError(detail string) {
	p.placeholder = PlaceholderError
	p.text = HistoryErrorText
	if detail = strings.TrimSpace(detail); detail != "" {
		p.text += ": " + detail
	}
}

// Append adds r after any existing records, dropping the empty-state
// placeholder. Records are not deduplicated.
func (p *Pane) Append(r Record) {
	if p.placeholder == PlaceholderEmpty {
		p.placeholder = PlaceholderNone
		p.text = ""
	}
	p.records = append(p.records, r)
}

func (p *Pane) View() PaneView {
	return PaneView{
		Room:            p.room,
		Generation:      p.generation,
		Records:         append([]Record(nil), p.records...),
		Placeholder:     p.placeholder,
		PlaceholderText: p.text,
		ScrollTo:        len(p.records) - 1,
	}
}

var textPolicy = bluemonday.StrictPolicy()

// plainText strips markup from s. The browser client injected message
// bodies as HTML; records carry text only.
func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// recordFor builds the render record for msg as seen by userID.
func recordFor(msg ChatMessage, userID string) Record {
	r := Record{
		Alignment: Incoming,
		Body:      plainText(msg.Body),
		SentAt:    msg.SentAt,
		SenderID:  msg.SenderID,
	}
	if msg.SenderID == userID {
		r.Alignment = Outgoing
	} else if msg.RoomKind == room.Group {
		r.Prefix = plainText(msg.SenderName)
	}
	return r
}
