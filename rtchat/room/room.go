// Package room identifies chat rooms and the backend paths scoped to them.
package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind is the room type segment used in endpoint paths and frames.
type Kind string

const (
	Private Kind = "private"
	Group   Kind = "group"
)

var ErrInvalidRoom = errors.New("invalid room reference")

const reservedIDChars = "/?#%\\ "

// ParseKind accepts "private"/"group" and the plural forms used by the
// filter endpoint.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return Private, nil
	case "group", "groups":
		return Group, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, s)
}

// Ref is a connection target.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) Validate() error {
	if r.Kind != Private && r.Kind != Group {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRoom)
	}
	// The id is placed in URL paths as is.
	if strings.ContainsAny(r.ID, reservedIDChars) || strings.ContainsFunc(r.ID, unicode.IsControl) {
		return fmt.Errorf("%w: id %q contains reserved characters", ErrInvalidRoom, r.ID)
	}
	return nil
}

func (r Ref) String() string { return string(r.Kind) + "/" + r.ID }

// IsPrivate reports the value sent as is_private to the mark-read endpoint.
func (r Ref) IsPrivate() bool { return r.Kind == Private }

// SocketPath is the per-room WebSocket path.
func (r Ref) SocketPath() string {
	return fmt.Sprintf("/ws/chat/%s/%s/", r.Kind, r.ID)
}

// HistoryPath is the per-room message history path.
func (r Ref) HistoryPath() string {
	return fmt.Sprintf("/get_messages/%s/%s/", r.Kind, r.ID)
}

// Parse reads "kind/id" or "kind_id".
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "/_")
	if sep < 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	kind, err := ParseKind(s[:sep])
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Kind: kind, ID: strings.Trim(s[sep+1:], "/")}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// WireID decodes an identifier the backend may encode as a JSON number or
// a JSON string.
type WireID string

func (w *WireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*w = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = WireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*w = WireID(n.String())
	return nil
}

func (w WireID) String() string { return string(w) }
