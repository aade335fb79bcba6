package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	"github.com/kampuni/rtchat-client/rtchat/api"
	"github.com/kampuni/rtchat-client/rtchat/contacts"
	"github.com/kampuni/rtchat-client/rtchat/room"
	"github.com/kampuni/rtchat-client/rtchat/session"
)

const helpText = `commands:
  /chats                      list chats
  /open <kind> <id> | <n>     open a chat by room or by list number
  /search [text]              filter chats by name or last message
  /filter <all|unread|private|group>
  /users <text>               search users
  /dm <user-id> [name]        start a private chat
  /group <name> <id,id,...>   create a group chat
  /members                    list members of the open group
  /help                       show this help
  /quit                       exit
anything else is sent to the open chat`

var errQuit = errors.New("quit")

// chatSession is the part of *session.Client the terminal drives.
type chatSession interface {
	SwitchRoom(ctx context.Context, ref room.Ref) error
	SendMessage(text string) bool
	SearchUsers(ctx context.Context, query string) ([]api.User, error)
	StartPrivateChat(ctx context.Context, userID, displayName string) (room.Ref, error)
	StartGroupChat(ctx context.Context, name string, members []string) (room.Ref, error)
	GroupMembers(ctx context.Context) ([]string, error)
	Contacts() *contacts.List
	ActiveRoom() (room.Ref, bool)
	Close() error
}

var displayPolicy = bluemonday.StrictPolicy()

// clean strips markup from server-provided names before printing.
func clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(displayPolicy.Sanitize(s)))
}

// terminal prints the session to out. It implements session.Renderer.
type terminal struct {
	mu         sync.Mutex
	out        io.Writer
	generation int
	printed    int
	// lead is the top contact row last announced.
	lead contacts.Entry
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) RenderPane(v session.PaneView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.Generation != t.generation {
		t.generation = v.Generation
		t.printed = 0
		fmt.Fprintf(t.out, "== %s ==\n", v.Room)
		if v.Placeholder != session.PlaceholderNone {
			fmt.Fprintf(t.out, "   (%s)\n", v.PlaceholderText)
		}
	}
	for _, r := range v.Records[min(t.printed, len(v.Records)):] {
		t.printRecord(r)
	}
	t.printed = len(v.Records)
}

func (t *terminal) printRecord(r session.Record) {
	stamp := ""
	if r.SentAt != "" {
		stamp = "[" + r.SentAt + "] "
	}
	switch {
	case r.Alignment == session.Outgoing:
		fmt.Fprintf(t.out, "%s>> %s\n", stamp, r.Body)
	case r.Prefix != "":
		fmt.Fprintf(t.out, "%s<< %s: %s\n", stamp, r.Prefix, r.Body)
	default:
		fmt.Fprintf(t.out, "%s<< %s\n", stamp, r.Body)
	}
}

// RenderContacts announces a chat that a notification moved to the top.
func (t *terminal) RenderContacts(views []contacts.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(views) == 0 {
		t.lead = contacts.Entry{}
		return
	}
	top := views[0].Entry
	if top != t.lead && top.Unread > 0 {
		fmt.Fprintf(t.out, "* %s (%d): %s\n", clean(top.DisplayName), top.Unread, clean(top.Preview))
	}
	t.lead = top
}

func (t *terminal) Alert(msg string) {
	t.printf("! %s\n", msg)
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// runTerminal reads commands from in until /quit, end of input or ctx is
// done, then closes the session.
func runTerminal(ctx context.Context, sess chatSession, t *terminal, in io.Reader) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := t.handle(gctx, sess, line); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return sess.Close()
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle runs one input line. Only errQuit ends the loop; command failures
// are printed as alerts.
func (t *terminal) handle(ctx context.Context, sess chatSession, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if !sess.SendMessage(line) {
			t.Alert("not sent: no chat is open or the connection is closed")
		}
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	var err error
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		t.printf("%s\n", helpText)
	case "/chats":
		t.printList(sess)
	case "/open":
		err = t.open(ctx, sess, args)
	case "/search":
		sess.Contacts().SetQuery(rest)
		t.printList(sess)
	case "/filter":
		var c contacts.Category
		if c, err = contacts.ParseCategory(rest); err == nil {
			sess.Contacts().SetCategory(c)
			t.printList(sess)
		}
	case "/users":
		err = t.users(ctx, sess, rest)
	case "/dm":
		if len(args) == 0 {
			err = session.ErrUserRequired
			break
		}
		_, err = sess.StartPrivateChat(ctx, args[0], strings.Join(args[1:], " "))
	case "/group":
		err = t.group(ctx, sess, args)
	case "/members":
		var names []string
		if names, err = sess.GroupMembers(ctx); err == nil {
			for _, n := range names {
				t.printf("  %s\n", clean(n))
			}
		}
	default:
		err = fmt.Errorf("unknown command %s, try /help", cmd)
	}
	if err != nil {
		t.Alert(err.Error())
	}
	return nil
}

func (t *terminal) printList(sess chatSession) {
	visible := sess.Contacts().Visible()
	active, _ := sess.ActiveRoom()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(visible) == 0 {
		fmt.Fprintln(t.out, "   (no chats)")
		return
	}
	for i, e := range visible {
		mark := " "
		if e.Ref == active {
			mark = ">"
		}
		unread := ""
		if e.Unread > 0 {
			unread = fmt.Sprintf(" (%d)", e.Unread)
		}
		fmt.Fprintf(t.out, "%s%2d. [%s] %s%s", mark, i+1, e.Ref.Kind, clean(e.DisplayName), unread)
		if e.Preview != "" {
			fmt.Fprintf(t.out, ": %s", clean(e.Preview))
		}
		fmt.Fprintln(t.out)
	}
}

// open accepts "kind id", "kind/id" or a number from the last /chats list.
func (t *terminal) open(ctx context.Context, sess chatSession, args []string) error {
	var ref room.Ref
	switch len(args) {
	case 1:
		if n, err := strconv.Atoi(args[0]); err == nil {
			visible := sess.Contacts().Visible()
			if n < 1 || n > len(visible) {
				return fmt.Errorf("no chat number %d", n)
			}
			ref = visible[n-1].Ref
			break
		}
		r, err := room.Parse(args[0])
		if err != nil {
			return err
		}
		ref = r
	case 2:
		kind, err := room.ParseKind(args[0])
		if err != nil {
			return err
		}
		ref = room.Ref{Kind: kind, ID: args[1]}
	default:
		return errors.New("usage: /open <kind> <id>")
	}
	return sess.SwitchRoom(ctx, ref)
}

func (t *terminal) users(ctx context.Context, sess chatSession, query string) error {
	if utf8.RuneCountInString(query) < api.MinSearchRunes {
		return fmt.Errorf("type at least %d characters to search", api.MinSearchRunes)
	}
	users, err := sess.SearchUsers(ctx, query)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		t.printf("   (no users found)\n")
		return nil
	}
	for _, u := range users {
		t.printf("  %s  %s\n", u.ID, clean(u.DisplayName()))
	}
	return nil
}

// group takes every argument but the last as the name and the last as a
// comma separated member id list.
func (t *terminal) group(ctx context.Context, sess chatSession, args []string) error {
	if len(args) == 0 {
		return session.ErrGroupNameRequired
	}
	if len(args) == 1 {
		return session.ErrMembersRequired
	}
	name := strings.Join(args[:len(args)-1], " ")
	members := strings.Split(args[len(args)-1], ",")
	_, err := sess.StartGroupChat(ctx, name, members)
	return err
}
