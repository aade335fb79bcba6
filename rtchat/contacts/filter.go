package contacts

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/kampuni/rtchat-client/rtchat/room"
)

// Category narrows the list by room kind or unread state.
type Category string

const (
	CategoryAll     Category = "all"
	CategoryUnread  Category = "unread"
	CategoryPrivate Category = "private"
	CategoryGroup   Category = "group"
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CategoryAll, nil
	case CategoryAll, CategoryUnread, CategoryPrivate, CategoryGroup:
		return c, nil
	case "groups":
		return CategoryGroup, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// View is an entry with its current visibility.
type View struct {
	Entry
	Visible bool
}

// SetQuery sets the search text. Matching is case-insensitive on display
// name and preview; an empty query matches everything.
func (l *List) SetQuery(q string) {
	l.mu.Lock()
	l.query = strings.TrimSpace(q)
	l.mu.Unlock()
}

func (l *List) SetCategory(c Category) {
	if c == "" {
		c = CategoryAll
	}
	l.mu.Lock()
	l.category = c
	l.mu.Unlock()
}

// Filter returns the current query and category.
func (l *List) Filter() (string, Category) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.query, l.category
}

// View returns every entry in display order with visibility applied.
// Filtering never changes order or unread counts.
func (l *List) View() []View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fold := cases.Fold()
	q := fold.String(l.query)
	out := make([]View, len(l.entries))
	for i, e := range l.entries {
		out[i] = View{Entry: *e, Visible: matchCategory(e, l.category) && matchQuery(fold, e, q)}
	}
	return out
}

// Visible returns only the visible entries.
func (l *List) Visible() []Entry {
	var out []Entry
	for _, v := range l.View() {
		if v.Visible {
			out = append(out, v.Entry)
		}
	}
	return out
}

func matchQuery(fold cases.Caser, e *Entry, q string) bool {
	if q == "" {
		return true
	}
	return strings.Contains(fold.String(e.DisplayName), q) ||
		strings.Contains(fold.String(e.Preview), q)
}

func matchCategory(e *Entry, c Category) bool {
	switch c {
	case CategoryUnread:
		return e.Unread > 0
	case CategoryPrivate:
		return e.Ref.Kind == room.Private
	case CategoryGroup:
		return e.Ref.Kind == room.Group
	}
	return true
}
