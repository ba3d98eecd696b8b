// Package engine coordinates live views with the filesystem: it answers
// client requests, runs mutations and pushes fresh listings to the views
// that show an affected directory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/dirindex"
	"github.com/fruitsalade/livedrive/internal/fileops"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/pathguard"
	"github.com/fruitsalade/livedrive/internal/protocol"
	"github.com/fruitsalade/livedrive/internal/sharing"
	"github.com/fruitsalade/livedrive/internal/view"
	"github.com/fruitsalade/livedrive/internal/watch"
)

// Config holds the engine settings.
type Config struct {
	FilesDir     string
	NoLogin      bool
	Debug        bool
	MaxFileSize  int64
	MaxOpen      int
	ReadInterval time.Duration
}

// Engine owns the view and watch registries.
type Engine struct {
	cfg      Config
	views    *view.Registry
	watches  *watch.Registry
	index    *dirindex.Index
	sessions *auth.Store
	links    *sharing.LinkStore
	fetcher  *fileops.Fetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reconcileMu makes watch reconciliation a single routine.
	reconcileMu sync.Mutex
}

// New starts an engine. Close releases its watches.
func New(cfg Config, sessions *auth.Store, links *sharing.LinkStore) (*Engine, error) {
	if cfg.ReadInterval <= 0 {
		cfg.ReadInterval = 250 * time.Millisecond
	}
	abs, err := filepath.Abs(cfg.FilesDir)
	if err != nil {
		return nil, fmt.Errorf("resolve files dir: %w", err)
	}
	cfg.FilesDir = abs
	if err := os.MkdirAll(cfg.FilesDir, 0755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		views:    view.NewRegistry(),
		index:    dirindex.New(cfg.MaxOpen),
		sessions: sessions,
		links:    links,
		fetcher:  fileops.NewFetcher(nil),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.watches, err = watch.New(cfg.ReadInterval, e.onChange)
	if err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Close stops the watches and waits for running tasks.
func (e *Engine) Close() error {
	e.cancel()
	err := e.watches.Close()
	e.wg.Wait()
	return err
}

// Views returns the view registry.
func (e *Engine) Views() *view.Registry { return e.views }

// Watched returns the watched directories.
func (e *Engine) Watched() []string { return e.watches.Watched() }

// Settings returns the client-visible settings.
func (e *Engine) Settings() protocol.Settings {
	return protocol.Settings{Debug: e.cfg.Debug, NoLogin: e.cfg.NoLogin, MaxFileSize: e.cfg.MaxFileSize}
}

// Home returns the root directory of a session's files.
func (e *Engine) Home(sess *auth.Session) string {
	if e.cfg.NoLogin || sess == nil || sess.Anonymous() {
		return e.cfg.FilesDir
	}
	return filepath.Join(e.cfg.FilesDir, sess.Username)
}

// Connect registers a new connection for sess.
func (e *Engine) Connect(sess *auth.Session, sender view.Sender) (*view.Conn, error) {
	home := e.Home(sess)
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("create home %s: %w", home, err)
	}
	c := view.NewConn(sess, home, sender)
	e.views.Add(c)
	metrics.ConnectionOpened()
	logging.Info("connection opened", zap.String("conn", c.ID), zap.String("user", username(c)))
	return c, nil
}

// Teardown releases a closed connection and the watches only it needed.
func (e *Engine) Teardown(c *view.Conn) {
	e.views.Remove(c)
	metrics.ConnectionClosed()
	e.reconcile()
	logging.Info("connection closed", zap.String("conn", c.ID), zap.String("user", username(c)))
}

// UploadDone tells the connections of a session that an upload into view
// vID finished.
func (e *Engine) UploadDone(token string, vID int) {
	for _, c := range e.views.BySession(token) {
		c.Send(protocol.UploadDoneMsg{Type: protocol.TypeUploadDone, VID: vID})
	}
}

func (e *Engine) reconcile() {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	e.watches.Reconcile(e.views.NeededDirs())
}

// spawn runs fn on its own goroutine, recovering a panic so that one
// connection cannot take down the others.
func (e *Engine) spawn(c *view.Conn, op string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				connID := ""
				if c != nil {
					connID = c.ID
				}
				logging.Error("task panicked",
					zap.String("conn", connID),
					zap.String("op", op),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

func username(c *view.Conn) string {
	if c.Session == nil || c.Session.Anonymous() {
		return "anonymous"
	}
	return c.Session.Username
}

// ─── Navigation ─────────────────────────────────────────────────────────────

// Navigate points view vID of c at dest. A directory is listed and
// watched; a file puts the view in file mode. If dest cannot be shown the
// view is sent to the home root instead.
//
// The new generation of the view is taken before Navigate returns, so the
// last of several calls wins no matter how their I/O interleaves. The
// stat, listing and sizes run on their own goroutine.
func (e *Engine) Navigate(c *view.Conn, vID int, dest string) {
	abs, err := pathguard.Resolve(c.Home, dest)
	if err != nil {
		logging.ForConn(c.ID).Info("invalid update request",
			zap.Int("vid", vID), zap.String("dir", dest), zap.Error(err))
		return
	}
	t, ok := c.Begin(vID, pathguard.Clean(dest))
	if !ok {
		return
	}
	e.spawn(c, "navigate", func() { e.open(t, abs) })
}

// open shows abs in t's view if t is still its current generation.
func (e *Engine) open(t view.Target, abs string) {
	c := t.Conn
	log := logging.ForConn(c.ID).With(zap.Int("vid", t.VID), zap.String("dir", t.Folder))

	info, err := os.Stat(abs)
	if err != nil {
		log.Info("non-existing update request", zap.Error(err))
		e.fallback(t)
		return
	}

	if !info.IsDir() {
		parent := path.Dir(t.Folder)
		ft, ok := c.Settle(t, "", abs, parent)
		if !ok {
			return
		}
		c.Apply(ft, view.PushListing, func(v *view.View) protocol.Message {
			return protocol.UpdateBeFileMsg{
				Type:   protocol.TypeUpdateBeFile,
				VID:    ft.VID,
				File:   filepath.Base(abs),
				Folder: parent,
				IsFile: true,
			}
		})
		e.reconcile()
		return
	}

	dt, ok := c.Settle(t, abs, "", t.Folder)
	if !ok {
		return
	}
	if err := e.watches.Ensure(abs); err != nil {
		log.Warn("watch failed", zap.Error(err))
		e.fallback(dt)
		return
	}
	e.reconcile()

	if err := e.push(dt, false); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("listing failed", zap.Error(err))
		e.fallback(dt)
	}
}

// fallback sends t's view to the home root unless it is already there.
func (e *Engine) fallback(t view.Target) {
	if t.Folder == "/" {
		return
	}
	e.toRoot(t)
}

// toRoot starts a new generation of t's view at "/" and shows it, provided
// nothing newer has happened to the view since t was issued.
func (e *Engine) toRoot(t view.Target) {
	rt, ok := t.Conn.Restart(t, "/")
	if !ok {
		return
	}
	e.open(rt, t.Conn.Home)
}

// push lists t's directory and delivers it, then follows up with sizes.
func (e *Engine) push(t view.Target, fresh bool) error {
	list := e.index.List
	if fresh {
		list = e.index.ListFresh
	}
	listing, err := list(t.Ctx, t.Directory)
	if err != nil {
		return err
	}
	if !e.applyListing(t, listing) {
		return nil
	}
	sizes, err := e.index.Sizes(t.Ctx, t.Directory, listing)
	if err != nil {
		return err
	}
	e.applySizes(t, listing, sizes)
	return nil
}

func (e *Engine) applyListing(t view.Target, listing protocol.Listing) bool {
	return t.Conn.Apply(t, view.PushListing, func(v *view.View) protocol.Message {
		v.Data = listing
		return protocol.UpdateDirectoryMsg{
			Type:   protocol.TypeUpdateDirectory,
			VID:    t.VID,
			Folder: t.Folder,
			Data:   listing,
		}
	})
}

func (e *Engine) applySizes(t view.Target, listing protocol.Listing, sizes map[string]int64) {
	sized := make(protocol.Listing, len(listing))
	for name, entry := range listing {
		if n, ok := sizes[name]; ok {
			entry.Size = n
		}
		sized[name] = entry
	}
	t.Conn.Apply(t, view.PushSizes, func(v *view.View) protocol.Message {
		v.Data = sized
		return protocol.UpdateDirectoryMsg{
			Type:   protocol.TypeUpdateDirectory,
			VID:    t.VID,
			Folder: t.Folder,
			Data:   sized,
			Sizes:  true,
		}
	})
}

// onChange is called by the watch registry and must not block.
func (e *Engine) onChange(dir string) {
	e.spawn(nil, "refresh", func() { e.RefreshDirectory(dir) })
}

// RefreshDirectory re-reads dir once and pushes it to every view showing
// it. If dir is gone, those views are sent to their home root.
func (e *Engine) RefreshDirectory(dir string) {
	targets := e.views.Bound(dir)
	if len(targets) == 0 {
		return
	}
	logging.Debug("refreshing", zap.String("dir", pathguard.RemoveFilePath(e.cfg.FilesDir, dir)), zap.Int("views", len(targets)))

	listing, err := e.index.ListFresh(e.ctx, dir)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrNotADirectory) {
			e.redirect(targets)
			return
		}
		logging.Warn("refresh failed", zap.String("dir", dir), zap.Error(err))
		return
	}

	var applied []view.Target
	for _, t := range targets {
		if e.applyListing(t, listing) {
			applied = append(applied, t)
		}
	}
	if len(applied) == 0 {
		return
	}

	ctx, cancel := whileAny(e.ctx, applied)
	defer cancel()
	sizes, err := e.index.Sizes(ctx, dir, listing)
	if err != nil {
		return
	}
	for _, t := range applied {
		e.applySizes(t, listing, sizes)
	}
}

// whileAny returns a context that is cancelled with parent or once every
// target's generation has ended.
func whileAny(parent context.Context, targets []view.Target) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	var live atomic.Int32
	live.Store(int32(len(targets)))
	stops := make([]func() bool, 0, len(targets))
	for _, t := range targets {
		stops = append(stops, context.AfterFunc(t.Ctx, func() {
			if live.Add(-1) == 0 {
				cancel()
			}
		}))
	}
	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}

// redirect sends views that still show their target directory to "/".
func (e *Engine) redirect(targets []view.Target) {
	for _, t := range targets {
		v, ok := t.Conn.View(t.VID)
		if !ok || v.Directory != t.Directory {
			continue
		}
		logging.Info("directory gone, returning to root",
			zap.String("conn", t.Conn.ID),
			zap.Int("vid", t.VID),
			zap.String("dir", t.Folder),
		)
		e.toRoot(t)
	}
	e.reconcile()
}
