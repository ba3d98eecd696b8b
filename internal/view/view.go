// Package view tracks live connections and the navigation panes (views)
// each of them holds.
package view

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/protocol"
)

// pendingSize bounds the messages a connection can have waiting for its
// sender.
const pendingSize = 256

// Sender delivers outbound messages for a connection, in order. Send may
// block; it is only ever called from the connection's own delivery
// goroutine.
type Sender interface {
	Send(msg protocol.Message) error
}

// View is one navigation pane. Exactly one of Directory and File is set
// once the view has navigated anywhere.
type View struct {
	ID        int
	Directory string // absolute
	File      string // absolute
	Folder    string // client path of Directory, or of File's parent
	Data      protocol.Listing

	gen     uint64
	ticket  uint64 // last issued
	applied uint64 // last listing pushed
	ctx     context.Context
	cancel  context.CancelFunc
}

func newView(id int) *View {
	ctx, cancel := context.WithCancel(context.Background())
	return &View{ID: id, ctx: ctx, cancel: cancel}
}

// Conn is one live websocket and its views.
type Conn struct {
	ID      string
	Session *auth.Session
	Home    string

	reg    *Registry
	sender Sender

	// mu guards views and pending. The freshness check and the enqueue
	// happen together under it; delivery happens outside it.
	mu      sync.Mutex
	views   map[int]*View
	pending chan protocol.Message
	closed  bool
}

// NewConn returns an unregistered connection and starts its delivery
// goroutine. Registry.Remove stops it.
func NewConn(sess *auth.Session, home string, sender Sender) *Conn {
	c := &Conn{
		ID:      uuid.NewString(),
		Session: sess,
		Home:    home,
		sender:  sender,
		views:   make(map[int]*View),
		pending: make(chan protocol.Message, pendingSize),
	}
	go c.deliver()
	return c
}

// deliver hands queued messages to the sender in order. A slow sender
// only holds up this connection.
func (c *Conn) deliver() {
	for msg := range c.pending {
		c.sender.Send(msg)
	}
}

// enqueue must be called with c.mu held.
func (c *Conn) enqueue(msg protocol.Message) bool {
	select {
	case c.pending <- msg:
		return true
	default:
		metrics.RecordDroppedPush("overflow")
		return false
	}
}

// Target identifies one pending push to a view.
type Target struct {
	Conn      *Conn
	VID       int
	Gen       uint64
	Ticket    uint64
	Directory string
	Folder    string
	Ctx       context.Context
}

// Registry holds every live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	viewsMu sync.Mutex
	nviews  int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers c.
func (r *Registry) Add(c *Conn) {
	c.reg = r
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove unregisters c and cancels the work of all its views. Later pushes
// to c are dropped.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()

	c.mu.Lock()
	n := len(c.views)
	for id, v := range c.views {
		v.cancel()
		delete(c.views, id)
	}
	if !c.closed {
		c.closed = true
		close(c.pending)
	}
	c.mu.Unlock()
	r.addViews(-n)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Conns returns a snapshot of the registered connections.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// BySession returns the connections opened with the given session token.
func (r *Registry) BySession(token string) []*Conn {
	var out []*Conn
	for _, c := range r.Conns() {
		if c.Session != nil && c.Session.Token == token {
			out = append(out, c)
		}
	}
	return out
}

// NeededDirs returns every absolute directory some view is showing.
func (r *Registry) NeededDirs() map[string]struct{} {
	needed := make(map[string]struct{})
	for _, c := range r.Conns() {
		c.mu.Lock()
		for _, v := range c.views {
			if v.Directory != "" {
				needed[v.Directory] = struct{}{}
			}
		}
		c.mu.Unlock()
	}
	return needed
}

// Bound returns a fresh push target for every view showing dir.
func (r *Registry) Bound(dir string) []Target {
	var out []Target
	for _, c := range r.Conns() {
		c.mu.Lock()
		for _, v := range c.views {
			if v.Directory == dir {
				out = append(out, c.issue(v))
			}
		}
		c.mu.Unlock()
	}
	return out
}

// BoundUnder is Bound for dir and every directory below it.
func (r *Registry) BoundUnder(dir string, within func(parent, child string) bool) []Target {
	var out []Target
	for _, c := range r.Conns() {
		c.mu.Lock()
		for _, v := range c.views {
			if v.Directory != "" && within(dir, v.Directory) {
				out = append(out, c.issue(v))
			}
		}
		c.mu.Unlock()
	}
	return out
}

// Views returns the number of live views across all connections.
func (r *Registry) Views() int {
	r.viewsMu.Lock()
	defer r.viewsMu.Unlock()
	return r.nviews
}

func (r *Registry) addViews(delta int) {
	if r == nil || delta == 0 {
		return
	}
	r.viewsMu.Lock()
	r.nviews += delta
	n := r.nviews
	r.viewsMu.Unlock()
	metrics.SetViewsActive(n)
}

// CreateView returns view vID, creating it if needed.
func (c *Conn) CreateView(vID int) *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createLocked(vID)
}

func (c *Conn) createLocked(vID int) *View {
	if v, ok := c.views[vID]; ok {
		return v
	}
	v := newView(vID)
	c.views[vID] = v
	c.reg.addViews(1)
	return v
}

// DestroyView cancels and drops view vID. It reports whether the view
// existed.
func (c *Conn) DestroyView(vID int) bool {
	c.mu.Lock()
	v, ok := c.views[vID]
	if ok {
		v.cancel()
		delete(c.views, vID)
	}
	c.mu.Unlock()
	if ok {
		c.reg.addViews(-1)
	}
	return ok
}

// Begin starts a new generation of view vID showing the client path
// folder, creating the view if needed. Work started for the previous
// generation is cancelled. The view has no directory or file until Settle
// succeeds, so nothing is pushed to it meanwhile.
//
// Callers must call Begin in the order the client's requests arrived.
func (c *Conn) Begin(vID int, folder string) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Target{}, false
	}
	return c.restartLocked(c.createLocked(vID), folder), true
}

// Restart is Begin for a view that must still be on t's generation. It
// never creates a view.
func (c *Conn) Restart(t Target, folder string) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.current(t)
	if !ok {
		return Target{}, false
	}
	return c.restartLocked(v, folder), true
}

// Settle binds t's view to an absolute directory or file. It fails when
// the view was destroyed or moved to a newer generation in the meantime.
func (c *Conn) Settle(t Target, dir, file, folder string) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.current(t)
	if !ok {
		return Target{}, false
	}
	v.Directory = dir
	v.File = file
	v.Folder = folder
	return c.issue(v), true
}

// current must be called with c.mu held.
func (c *Conn) current(t Target) (*View, bool) {
	if c.closed {
		return nil, false
	}
	v, ok := c.views[t.VID]
	if !ok || v.gen != t.Gen {
		return nil, false
	}
	return v, true
}

func (c *Conn) restartLocked(v *View, folder string) Target {
	v.cancel()
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.gen++
	v.Directory = ""
	v.File = ""
	v.Folder = folder
	v.Data = nil
	return c.issue(v)
}

// issue must be called with c.mu held.
func (c *Conn) issue(v *View) Target {
	v.ticket++
	return Target{
		Conn:      c,
		VID:       v.ID,
		Gen:       v.gen,
		Ticket:    v.ticket,
		Directory: v.Directory,
		Folder:    v.Folder,
		Ctx:       v.ctx,
	}
}

// View returns a copy of view vID.
func (c *Conn) View(vID int) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[vID]
	if !ok {
		return View{}, false
	}
	return *v, true
}

// ViewIDs returns the ids of all views.
func (c *Conn) ViewIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.views))
	for id := range c.views {
		ids = append(ids, id)
	}
	return ids
}

// Push kinds accepted by Apply.
type Push int

const (
	// PushListing replaces the view's data. It is applied when its ticket is
	// newer than the last listing pushed.
	PushListing Push = iota
	// PushSizes follows a listing. It is applied only when its ticket is the
	// one of the last listing pushed.
	PushSizes
)

// Apply checks that t is still current for its view and, if so, calls fn
// with the view and queues the message it returns. It reports whether a
// message was queued. Apply never waits for the sender.
func (c *Conn) Apply(t Target, kind Push, fn func(v *View) protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.current(t)
	if !ok {
		metrics.RecordDroppedPush("stale")
		return false
	}
	switch kind {
	case PushListing:
		if t.Ticket <= v.applied {
			metrics.RecordDroppedPush("stale")
			return false
		}
		v.applied = t.Ticket
	case PushSizes:
		if t.Ticket != v.applied {
			metrics.RecordDroppedPush("stale")
			return false
		}
	}

	msg := fn(v)
	if msg == nil {
		return false
	}
	return c.enqueue(msg)
}

// Send queues a message that is not tied to view state, behind every push
// already queued.
func (c *Conn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		metrics.RecordDroppedPush("closed")
		return nil
	}
	if !c.enqueue(msg) {
		return apperr.ErrChannel
	}
	return nil
}
