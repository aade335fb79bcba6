// Package contacts holds the sidebar contact list: one entry per room with
// its unread count and last-message preview.
package contacts

import (
	"sync"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

// PreviewLimit is the maximum preview length, in runes.
const PreviewLimit = 30

// Entry is one room row.
type Entry struct {
	Ref         room.Ref
	DisplayName string
	Preview     string
	Unread      int
}

// Update is a push notification for one room. Nil fields are left unchanged.
type Update struct {
	Ref         room.Ref
	Unread      *int
	LastMessage *string
}

// List keeps entries in display order: server order initially, with the most
// recently notified entry moved to the front.
type List struct {
	mu       sync.RWMutex
	entries  []*Entry
	query    string
	category Category
}

func New(entries []Entry) *List {
	l := &List{category: CategoryAll}
	l.Reset(entries)
	return l
}

// Reset replaces all entries, keeping filter state.
func (l *List) Reset(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]*Entry, 0, len(entries))
	for _, e := range entries {
		e := e
		e.Preview = Truncate(e.Preview)
		if e.Unread < 0 {
			e.Unread = 0
		}
		l.entries = append(l.entries, &e)
	}
}

// Add inserts an entry at the front unless the room is already listed.
// It reports whether an entry was added.
func (l *List) Add(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(e.Ref) >= 0 {
		return false
	}
	e.Preview = Truncate(e.Preview)
	l.entries = append([]*Entry{&e}, l.entries...)
	return true
}

// Lookup returns a copy of the entry for ref.
func (l *List) Lookup(ref room.Ref) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexLocked(ref)
	if i < 0 {
		return Entry{}, false
	}
	return *l.entries[i], true
}

// Apply folds a notification into the matching entry and moves it to the
// front. Notifications for unknown rooms are dropped; Apply reports whether
// an entry matched.
func (l *List) Apply(u Update) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(u.Ref)
	if i < 0 {
		return false
	}
	e := l.entries[i]
	if u.Unread != nil {
		e.Unread = max(*u.Unread, 0)
	}
	if u.LastMessage != nil {
		e.Preview = Truncate(*u.LastMessage)
	}
	copy(l.entries[1:i+1], l.entries[:i])
	l.entries[0] = e
	return true
}

// MarkRead zeroes the unread count for ref.
func (l *List) MarkRead(ref room.Ref) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(ref)
	if i < 0 {
		return false
	}
	l.entries[i].Unread = 0
	return true
}

// Entries returns copies of all entries in display order, visible or not.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *List) indexLocked(ref room.Ref) int {
	for i, e := range l.entries {
		if e.Ref == ref {
			return i
		}
	}
	return -1
}

// Truncate cuts s to PreviewLimit runes.
func Truncate(s string) string {
	n := 0
	for i := range s {
		if n == PreviewLimit {
			return s[:i]
		}
		n++
	}
	return s
}
