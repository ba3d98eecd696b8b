package sharing

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/store"
)

func newTestLinks(t *testing.T, length int) (*LinkStore, *store.JSONStore) {
	t.Helper()
	persist, err := store.OpenJSON(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return NewLinkStore(persist, store.NewSnapshot(), length), persist
}

func TestGetCreatesAndReuses(t *testing.T) {
	links, persist := newTestLinks(t, 5)
	ctx := context.Background()

	token, created, err := links.Get(ctx, "/srv/files/alice/a.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !created || len(token) != 5 {
		t.Errorf("token = %q, created = %v", token, created)
	}
	for _, c := range token {
		if !strings.ContainsRune(Alphabet, c) {
			t.Errorf("token %q has character %q outside the alphabet", token, c)
		}
	}

	again, created, err := links.Get(ctx, "/srv/files/alice/a.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again != token || created {
		t.Errorf("second Get = %q (created %v), want reuse of %q", again, created, token)
	}

	path, err := links.Lookup(token)
	if err != nil || path != "/srv/files/alice/a.txt" {
		t.Errorf("Lookup = %q, %v", path, err)
	}

	snap, _ := persist.Load(ctx)
	if snap.Shortlinks[token] != "/srv/files/alice/a.txt" {
		t.Errorf("persisted = %v", snap.Shortlinks)
	}

	reloaded := NewLinkStore(persist, snap, 5)
	if tok, created, _ := reloaded.Get(ctx, "/srv/files/alice/a.txt"); tok != token || created {
		t.Errorf("reloaded store should reuse %q, got %q", token, tok)
	}
}

func TestGetRegeneratesOnCollision(t *testing.T) {
	links, _ := newTestLinks(t, 3)
	ctx := context.Background()

	queue := []string{"abc", "abc", "abc", "xyz"}
	links.gen = func(n int) (string, error) {
		tok := queue[0]
		queue = queue[1:]
		return tok, nil
	}

	first, _, err := links.Get(ctx, "/one")
	if err != nil || first != "abc" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, _, err := links.Get(ctx, "/two")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second != "xyz" {
		t.Errorf("second = %q, want xyz after two collisions", second)
	}
}

func TestGetGivesUp(t *testing.T) {
	links, _ := newTestLinks(t, 3)
	links.gen = func(n int) (string, error) { return "aaa", nil }

	if _, _, err := links.Get(context.Background(), "/one"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, _, err := links.Get(context.Background(), "/two"); err == nil {
		t.Error("expected error when every token collides")
	}
}

func TestLookupUnknown(t *testing.T) {
	links, _ := newTestLinks(t, 3)
	for _, token := range []string{"zzz", "toolong", ""} {
		if _, err := links.Lookup(token); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("Lookup(%q) err = %v, want ErrNotFound", token, err)
		}
	}
}

func TestLookupSurvivesLengthChange(t *testing.T) {
	links, persist := newTestLinks(t, 3)
	ctx := context.Background()

	token, _, err := links.Get(ctx, "/srv/files/old.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	snap, err := persist.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}

	longer := NewLinkStore(persist, snap, 4)
	path, err := longer.Lookup(token)
	if err != nil || path != "/srv/files/old.txt" {
		t.Errorf("Lookup(%q) after length change = %q, %v", token, path, err)
	}
	if _, err := longer.Lookup("zzzz"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Lookup of unknown token: %v", err)
	}
}
