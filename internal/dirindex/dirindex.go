// Package dirindex reads directory listings and computes recursive
// directory sizes.
package dirindex

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/protocol"
)

const defaultMime = "application/octet-stream"

// Index lists directories with bounded parallelism. Concurrent listings of
// the same directory share one read.
type Index struct {
	maxOpen int
	group   singleflight.Group
}

// New returns an Index that keeps at most maxOpen stat calls in flight per
// listing.
func New(maxOpen int) *Index {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &Index{maxOpen: maxOpen}
}

// List returns the entries of dir. Directories have size 0; see Sizes.
// A caller arriving while a listing of dir is in flight gets that result.
func (ix *Index) List(ctx context.Context, dir string) (protocol.Listing, error) {
	ch := ix.group.DoChan(dir, func() (any, error) {
		return ix.read(context.WithoutCancel(ctx), dir)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(protocol.Listing), nil
	}
}

// ListFresh is List without joining a read that started earlier. Watch
// triggers use it so the result reflects the change that fired them.
func (ix *Index) ListFresh(ctx context.Context, dir string) (protocol.Listing, error) {
	ix.group.Forget(dir)
	return ix.List(ctx, dir)
}

func (ix *Index) read(ctx context.Context, dir string) (protocol.Listing, error) {
	start := time.Now()
	defer func() { metrics.RecordList(time.Since(start)) }()

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, apperr.Classify(err))
	}
	if !info.IsDir() {
		return nil, apperr.Wrap(apperr.ErrNotADirectory, fmt.Errorf("list %s", dir))
	}

	// One ReadDir fixes the set of names; stats below may race with
	// concurrent changes and simply skip entries that disappeared.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, apperr.Classify(err))
	}

	results := make([]*protocol.Entry, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.maxOpen)
	for i, de := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(filepath.Join(dir, de.Name()))
			if err != nil {
				return nil
			}
			results[i] = entryFor(de.Name(), info)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	listing := make(protocol.Listing, len(entries))
	for i, de := range entries {
		if results[i] != nil {
			listing[de.Name()] = *results[i]
		}
	}
	return listing, nil
}

func entryFor(name string, info fs.FileInfo) *protocol.Entry {
	mtime := info.ModTime().UnixMilli()
	switch {
	case info.Mode().IsRegular():
		m := mime.TypeByExtension(filepath.Ext(name))
		if m == "" {
			m = defaultMime
		}
		return &protocol.Entry{Type: "f", Size: info.Size(), Mtime: mtime, Mime: m}
	case info.IsDir():
		return &protocol.Entry{Type: "d", Size: 0, Mtime: mtime}
	}
	return nil
}

// Sizes computes the recursive size of every directory entry in listing.
// It returns ctx.Err() if cancelled before all subtrees finish.
func (ix *Index) Sizes(ctx context.Context, dir string, listing protocol.Listing) (map[string]int64, error) {
	start := time.Now()
	defer func() { metrics.RecordSizes(time.Since(start)) }()

	var mu sync.Mutex
	sizes := make(map[string]int64)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.maxOpen)
	for name, e := range listing {
		if e.Type != "d" {
			continue
		}
		g.Go(func() error {
			n, err := ComputeSize(gctx, filepath.Join(dir, name))
			if err != nil {
				return err
			}
			mu.Lock()
			sizes[name] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

// ComputeSize returns the total size of regular files below dir. Unreadable
// subtrees count as zero; symlinks are not followed. The only error is a
// cancelled ctx, checked once per directory.
func ComputeSize(ctx context.Context, dir string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, nil
	}

	var total int64
	for _, de := range entries {
		if de.IsDir() {
			n, err := ComputeSize(ctx, filepath.Join(dir, de.Name()))
			if err != nil {
				return 0, err
			}
			total += n
			continue
		}
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
