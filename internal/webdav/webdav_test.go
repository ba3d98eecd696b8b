package webdav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/store"
)

func TestMain(m *testing.M) {
	logging.InitDefault()
	os.Exit(m.Run())
}

func setup(t *testing.T, noLogin bool) (*httptest.Server, string, *auth.Store) {
	t.Helper()
	persist, err := store.OpenJSON(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	sessions := auth.NewStore(persist, store.NewSnapshot(), auth.Options{BcryptCost: bcrypt.MinCost})
	if _, err := sessions.AddOrUpdateUser(context.Background(), "alice", "wonderland", false); err != nil {
		t.Fatalf("Failed to add user: %v", err)
	}

	root := t.TempDir()
	home := func(sess *auth.Session) string {
		if sess == nil || sess.Anonymous() {
			return root
		}
		return filepath.Join(root, sess.Username)
	}

	mux := http.NewServeMux()
	mux.Handle(Prefix+"/", NewHandler(sessions, home, noLogin))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, root, sessions
}

func do(t *testing.T, method, url string, body io.Reader, user, pass string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBasicAuthRequired(t *testing.T) {
	srv, _, _ := setup(t, false)

	resp := do(t, "PROPFIND", srv.URL+"/webdav/", nil, "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
		t.Errorf("missing Basic challenge, got %q", resp.Header.Get("WWW-Authenticate"))
	}

	resp = do(t, "PROPFIND", srv.URL+"/webdav/", nil, "alice", "nope")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad password, got %d", resp.StatusCode)
	}
}

func TestPutAndGetInHome(t *testing.T) {
	srv, root, sessions := setup(t, false)

	resp := do(t, http.MethodPut, srv.URL+"/webdav/notes.txt", strings.NewReader("hello"), "alice", "wonderland")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	data, err := os.ReadFile(filepath.Join(root, "alice", "notes.txt"))
	if err != nil {
		t.Fatalf("file not written to the user's home: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	resp = do(t, http.MethodGet, srv.URL+"/webdav/notes.txt", nil, "alice", "wonderland")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Errorf("GET returned %d %q", resp.StatusCode, body)
	}

	if sessions.Count() != 0 {
		t.Errorf("Basic auth must not open sessions, have %d", sessions.Count())
	}
}

func TestCookieSession(t *testing.T) {
	srv, root, sessions := setup(t, false)
	sess, err := sessions.CreateSession(context.Background(), "alice", false)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	req, _ := http.NewRequest("MKCOL", srv.URL+"/webdav/docs", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: sess.Token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("MKCOL failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if fi, err := os.Stat(filepath.Join(root, "alice", "docs")); err != nil || !fi.IsDir() {
		t.Errorf("expected docs directory in alice's home: %v", err)
	}
}

func TestNoLoginServesRoot(t *testing.T) {
	srv, root, _ := setup(t, true)

	resp := do(t, http.MethodPut, srv.URL+"/webdav/shared.txt", strings.NewReader("x"), "", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(root, "shared.txt")); err != nil {
		t.Errorf("expected file in the shared root: %v", err)
	}
}

func TestHomeFSRejectsEscapes(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "home")
	outside := filepath.Join(base, "outside")
	for _, d := range []string{home, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644); err != nil {
		t.Fatalf("Failed to write secret: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(home, "link")); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	fs := &homeFS{home: home}
	ctx := context.Background()

	if _, err := fs.Stat(ctx, "/link/secret"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error through symlink, got %v", err)
	}
	if _, err := fs.OpenFile(ctx, "/a?b", os.O_RDONLY, 0); !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error for a forbidden name, got %v", err)
	}
	if err := fs.Rename(ctx, "/x", "/link/x"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected permission error for rename out of home, got %v", err)
	}
	if _, err := fs.Stat(ctx, "/"); err != nil {
		t.Errorf("home root should be reachable: %v", err)
	}
}
