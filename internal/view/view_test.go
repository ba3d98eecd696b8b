package view

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// settled waits for exactly n messages to have been delivered.
func (f *fakeSender) settled(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.count() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.count(); got != n {
		t.Errorf("sent %d messages, want %d", got, n)
	}
}

// blockingSender holds every Send until release is closed.
type blockingSender struct {
	release chan struct{}
	fakeSender
}

func (b *blockingSender) Send(msg protocol.Message) error {
	<-b.release
	return b.fakeSender.Send(msg)
}

func newConn(reg *Registry, token string) (*Conn, *fakeSender) {
	s := &fakeSender{}
	c := NewConn(&auth.Session{Token: token}, "/home", s)
	reg.Add(c)
	return c, s
}

// show points view vID at dir or file, the way a completed navigation does.
func show(t *testing.T, c *Conn, vID int, dir, file, folder string) Target {
	t.Helper()
	tg, ok := c.Begin(vID, folder)
	if !ok {
		t.Fatalf("Failed to begin view %d", vID)
	}
	tg, ok = c.Settle(tg, dir, file, folder)
	if !ok {
		t.Fatalf("Failed to settle view %d", vID)
	}
	return tg
}

func listingMsg(v *View) protocol.Message {
	return protocol.UpdateDirectoryMsg{Type: protocol.TypeUpdateDirectory, VID: v.ID, Folder: v.Folder}
}

func TestDestroyViewTwice(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")

	c.CreateView(1)
	if reg.Views() != 1 {
		t.Fatalf("Views = %d, want 1", reg.Views())
	}
	if !c.DestroyView(1) {
		t.Error("first DestroyView returned false")
	}
	if c.DestroyView(1) {
		t.Error("second DestroyView returned true")
	}
	if c.DestroyView(42) {
		t.Error("DestroyView on unknown view returned true")
	}
	if reg.Views() != 0 {
		t.Errorf("Views = %d, want 0", reg.Views())
	}
}

func TestSparseViewIDs(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")

	c.CreateView(0)
	c.CreateView(7)
	c.CreateView(7)
	if got := len(c.ViewIDs()); got != 2 {
		t.Errorf("len(ViewIDs) = %d, want 2", got)
	}
}

func TestNeededDirsAndBound(t *testing.T) {
	reg := NewRegistry()
	a, _ := newConn(reg, "a")
	b, _ := newConn(reg, "b")

	show(t, a, 0, "/home/x", "", "/x")
	show(t, a, 1, "", "/home/x/f.txt", "/x")
	show(t, b, 0, "/home/x", "", "/x")
	show(t, b, 1, "/home/y", "", "/y")

	needed := reg.NeededDirs()
	if len(needed) != 2 {
		t.Fatalf("NeededDirs = %v, want 2 entries", needed)
	}
	if _, ok := needed["/home/x"]; !ok {
		t.Error("NeededDirs missing /home/x")
	}

	targets := reg.Bound("/home/x")
	if len(targets) != 2 {
		t.Fatalf("Bound(/home/x) = %d targets, want 2", len(targets))
	}
	for _, tg := range targets {
		if tg.VID != 0 {
			t.Errorf("Bound returned vId %d, want 0", tg.VID)
		}
	}

	b.DestroyView(1)
	if _, ok := reg.NeededDirs()["/home/y"]; ok {
		t.Error("NeededDirs still has /home/y after its only view was destroyed")
	}
}

func TestBoundUnder(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")
	show(t, c, 0, "/home/a", "", "/a")
	show(t, c, 1, "/home/a/b", "", "/a/b")
	show(t, c, 2, "/home/ab", "", "/ab")

	within := func(parent, child string) bool {
		return child == parent || strings.HasPrefix(child, parent+string(filepath.Separator))
	}
	if got := len(reg.BoundUnder("/home/a", within)); got != 2 {
		t.Errorf("BoundUnder = %d targets, want 2", got)
	}
}

func TestApplyDropsSupersededGeneration(t *testing.T) {
	reg := NewRegistry()
	c, s := newConn(reg, "a")

	old := show(t, c, 0, "/home/old", "", "/old")
	cur := show(t, c, 0, "/home/new", "", "/new")

	select {
	case <-old.Ctx.Done():
	default:
		t.Error("old generation context not cancelled")
	}

	if c.Apply(old, PushListing, listingMsg) {
		t.Error("stale listing was applied")
	}
	if !c.Apply(cur, PushListing, listingMsg) {
		t.Error("current listing was not applied")
	}
	s.settled(t, 1)
}

func TestApplyTicketOrder(t *testing.T) {
	reg := NewRegistry()
	c, s := newConn(reg, "a")

	first := show(t, c, 0, "/home/x", "", "/x")
	second := reg.Bound("/home/x")[0]

	if !c.Apply(second, PushListing, listingMsg) {
		t.Fatal("newer listing was not applied")
	}
	if c.Apply(first, PushListing, listingMsg) {
		t.Error("older listing applied after a newer one")
	}
	if c.Apply(first, PushSizes, listingMsg) {
		t.Error("sizes for an older listing were applied")
	}
	if !c.Apply(second, PushSizes, listingMsg) {
		t.Error("sizes for the current listing were not applied")
	}
	s.settled(t, 2)
}

func TestSizesBeforeListingDropped(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")

	tg := show(t, c, 0, "/home/x", "", "/x")
	if c.Apply(tg, PushSizes, listingMsg) {
		t.Error("sizes applied before their listing")
	}
}

func TestRemoveConn(t *testing.T) {
	reg := NewRegistry()
	c, s := newConn(reg, "a")
	tg := show(t, c, 0, "/home/x", "", "/x")
	show(t, c, 1, "/home/y", "", "/y")

	reg.Remove(c)
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
	if reg.Views() != 0 {
		t.Errorf("Views = %d, want 0", reg.Views())
	}
	if len(reg.NeededDirs()) != 0 {
		t.Error("NeededDirs not empty after Remove")
	}
	select {
	case <-tg.Ctx.Done():
	default:
		t.Error("view context not cancelled on Remove")
	}
	if c.Apply(tg, PushListing, listingMsg) {
		t.Error("push applied to removed connection")
	}
	if _, ok := c.Begin(0, "/x"); ok {
		t.Error("Begin succeeded on removed connection")
	}
	if err := c.Send(protocol.NewError(0, "x")); err != nil {
		t.Errorf("Send on closed conn: %v", err)
	}
	s.settled(t, 0)
}

func TestSettleAfterDestroyDoesNotRecreate(t *testing.T) {
	reg := NewRegistry()
	c, s := newConn(reg, "a")

	tg, ok := c.Begin(1, "/x")
	if !ok {
		t.Fatal("Failed to begin view 1")
	}
	c.DestroyView(1)

	if _, ok := c.Settle(tg, "/home/x", "", "/x"); ok {
		t.Error("Settle succeeded on a destroyed view")
	}
	if _, ok := c.Restart(tg, "/"); ok {
		t.Error("Restart succeeded on a destroyed view")
	}
	if _, ok := c.View(1); ok {
		t.Error("destroyed view was recreated")
	}
	if len(reg.NeededDirs()) != 0 {
		t.Errorf("NeededDirs = %v, want none", reg.NeededDirs())
	}
	if c.Apply(tg, PushListing, listingMsg) {
		t.Error("listing applied to a destroyed view")
	}
	s.settled(t, 0)
}

func TestBeginOrderWins(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")

	var targets []Target
	for _, f := range []string{"/d0", "/d1", "/d2"} {
		tg, ok := c.Begin(0, f)
		if !ok {
			t.Fatalf("Failed to begin %s", f)
		}
		targets = append(targets, tg)
	}

	// Settle in reverse: only the last begun generation may bind.
	for i := len(targets) - 1; i >= 0; i-- {
		tg := targets[i]
		_, ok := c.Settle(tg, "/home"+tg.Folder, "", tg.Folder)
		if want := i == len(targets)-1; ok != want {
			t.Errorf("Settle(%s) = %v, want %v", tg.Folder, ok, want)
		}
	}
	v, _ := c.View(0)
	if v.Directory != "/home/d2" || v.Folder != "/d2" {
		t.Errorf("view shows %q (%q), want /home/d2 (/d2)", v.Directory, v.Folder)
	}
}

func TestBeginClearsBinding(t *testing.T) {
	reg := NewRegistry()
	c, _ := newConn(reg, "a")

	show(t, c, 0, "/home/x", "", "/x")
	if _, ok := c.Begin(0, "/y"); !ok {
		t.Fatal("Failed to begin /y")
	}
	if len(reg.NeededDirs()) != 0 {
		t.Errorf("NeededDirs = %v, want none while /y is pending", reg.NeededDirs())
	}
	if got := len(reg.Bound("/home/x")); got != 0 {
		t.Errorf("Bound(/home/x) = %d targets, want 0", got)
	}
}

func TestSlowSenderDoesNotBlockRegistry(t *testing.T) {
	reg := NewRegistry()
	slow := &blockingSender{release: make(chan struct{})}
	a := NewConn(&auth.Session{Token: "a"}, "/home", slow)
	reg.Add(a)
	b, fast := newConn(reg, "b")

	ta := show(t, a, 0, "/home/a", "", "/a")
	tb := show(t, b, 0, "/home/b", "", "/b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if !a.Apply(reg.Bound("/home/a")[0], PushListing, listingMsg) {
				t.Error("listing for the slow connection was not queued")
			}
		}
		reg.NeededDirs()
		if !b.Apply(tb, PushListing, listingMsg) {
			t.Error("listing for the fast connection was not queued")
		}
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pushes waited on a blocked sender")
	}
	fast.settled(t, 1)

	close(slow.release)
	slow.settled(t, 3)
	if a.Apply(ta, PushListing, listingMsg) {
		t.Error("superseded ticket applied")
	}
}

func TestQueueOverflow(t *testing.T) {
	reg := NewRegistry()
	slow := &blockingSender{release: make(chan struct{})}
	c := NewConn(&auth.Session{Token: "a"}, "/home", slow)
	reg.Add(c)
	defer close(slow.release)

	// One message may already be held by the sender.
	var failed bool
	for i := 0; i < pendingSize+2; i++ {
		if err := c.Send(protocol.NewError(0, "x")); err != nil {
			failed = true
		}
	}
	if !failed {
		t.Error("Send never reported a full queue")
	}
}

func TestBySession(t *testing.T) {
	reg := NewRegistry()
	newConn(reg, "a")
	newConn(reg, "a")
	newConn(reg, "b")

	if got := len(reg.BySession("a")); got != 2 {
		t.Errorf("BySession(a) = %d, want 2", got)
	}
	if got := len(reg.BySession("c")); got != 0 {
		t.Errorf("BySession(c) = %d, want 0", got)
	}
}
