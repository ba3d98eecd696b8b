package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/engine"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/protocol"
	"github.com/fruitsalade/livedrive/internal/sharing"
	"github.com/fruitsalade/livedrive/internal/store"
)

func TestMain(m *testing.M) {
	logging.InitDefault()
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	sessions *auth.Store
	links    *sharing.LinkStore
	files    string
}

func newTestServer(t *testing.T, noLogin bool, tweak func(*Config)) *testServer {
	t.Helper()
	persist, err := store.OpenJSON(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	snap := store.NewSnapshot()
	sessions := auth.NewStore(persist, snap, auth.Options{BcryptCost: bcrypt.MinCost})
	links := sharing.NewLinkStore(persist, snap, 3)

	eng, err := engine.New(engine.Config{
		FilesDir:     t.TempDir(),
		NoLogin:      noLogin,
		MaxOpen:      8,
		ReadInterval: 20 * time.Millisecond,
	}, sessions, links)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	cfg := Config{
		IncomingDir: t.TempDir(),
		NoLogin:     noLogin,
		SessionTTL:  time.Hour,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	srv := httptest.NewServer(NewServer(cfg, eng, sessions, links).Handler())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, sessions: sessions, links: links, files: eng.Home(nil)}
}

func (ts *testServer) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(ts.files, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	return p
}

func (ts *testServer) dial(t *testing.T, cookie *http.Cookie) (*websocket.Conn, *http.Response) {
	t.Helper()
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws, resp
}

func sendFrame(t *testing.T, ws *websocket.Conn, vID int, typ string, data any) {
	t.Helper()
	env := map[string]any{"vId": vID, "type": typ}
	if data != nil {
		env["data"] = data
	}
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("Failed to send %s: %v", typ, err)
	}
}

// readType returns the first frame of the given type, decoded into out.
func readType(t *testing.T, ws *websocket.Conn, typ string, out any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", typ, err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &head) != nil || head.Type != typ {
			continue
		}
		if err := json.Unmarshal(frame, out); err != nil {
			t.Fatalf("Failed to decode %s: %v", typ, err)
		}
		return
	}
}

func postForm(t *testing.T, target string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", target, err)
	}
	resp.Body.Close()
	return resp
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %q", health.Status)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, false, nil)
	if _, err := ts.sessions.AddOrUpdateUser(context.Background(), "alice", "wonderland", false); err != nil {
		t.Fatalf("Failed to add user: %v", err)
	}

	resp := postForm(t, ts.URL+"/login", url.Values{"username": {"alice"}, "password": {"nope"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad password, got %d", resp.StatusCode)
	}

	resp = postForm(t, ts.URL+"/login", url.Values{"username": {"alice"}, "password": {"wonderland"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	c := sessionCookie(resp)
	if c == nil {
		t.Fatal("login did not set a session cookie")
	}
	sess, err := ts.sessions.Resolve(c.Value)
	if err != nil {
		t.Fatalf("cookie does not resolve: %v", err)
	}
	if sess.Username != "alice" {
		t.Errorf("expected alice, got %q", sess.Username)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ts := newTestServer(t, false, func(c *Config) { c.LoginCooldown = time.Minute })

	form := url.Values{"username": {"mallory"}, "password": {"guess"}}
	if resp := postForm(t, ts.URL+"/login", form); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp := postForm(t, ts.URL+"/login", form)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestAddUserFirstRunOnly(t *testing.T) {
	ts := newTestServer(t, false, nil)

	resp := postForm(t, ts.URL+"/adduser", url.Values{"username": {"root"}, "password": {"secret"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if sessionCookie(resp) == nil {
		t.Error("adduser did not log the new user in")
	}
	if !ts.sessions.Users()["root"] {
		t.Error("first user should be privileged")
	}

	resp = postForm(t, ts.URL+"/adduser", url.Values{"username": {"eve"}, "password": {"secret"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 once users exist, got %d", resp.StatusCode)
	}
}

func TestSocketUnauthorized(t *testing.T) {
	ts := newTestServer(t, false, nil)
	ws, _ := ts.dial(t, nil)

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != protocol.CloseUnauthorized {
		t.Fatalf("expected close %d, got %v", protocol.CloseUnauthorized, err)
	}
}

func TestSocketSettingsAndListing(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ts.write(t, "docs/readme.txt", "hi")

	ws, resp := ts.dial(t, nil)
	if sessionCookie(resp) == nil {
		t.Error("anonymous websocket should receive a session cookie")
	}

	sendFrame(t, ws, 0, protocol.TypeRequestSettings, nil)
	var settings protocol.SettingsMsg
	readType(t, ws, protocol.TypeSettings, &settings)
	if !settings.Settings.NoLogin {
		t.Error("expected noLogin in settings")
	}

	sendFrame(t, ws, 0, protocol.TypeRequestUpdate, "/docs")
	var update protocol.UpdateDirectoryMsg
	readType(t, ws, protocol.TypeUpdateDirectory, &update)
	if update.Folder != "/docs" {
		t.Errorf("expected folder /docs, got %q", update.Folder)
	}
	if e, ok := update.Data["readme.txt"]; !ok || e.Type != "f" {
		t.Errorf("expected readme.txt in listing, got %+v", update.Data)
	}
}

func TestSocketLogout(t *testing.T) {
	ts := newTestServer(t, false, nil)
	ctx := context.Background()
	if _, err := ts.sessions.AddOrUpdateUser(ctx, "alice", "wonderland", false); err != nil {
		t.Fatalf("Failed to add user: %v", err)
	}
	sess, err := ts.sessions.CreateSession(ctx, "alice", false)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	ws, _ := ts.dial(t, &http.Cookie{Name: auth.CookieName, Value: sess.Token})
	sendFrame(t, ws, 0, protocol.TypeRequestSettings, nil)
	var settings protocol.SettingsMsg
	readType(t, ws, protocol.TypeSettings, &settings)

	msg := websocket.FormatCloseMessage(protocol.CloseLogout, "logout")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Failed to send close: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := ts.sessions.Resolve(sess.Token); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session still valid after logout close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("Failed to create part: %v", err)
		}
		io.WriteString(part, content)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadNotifiesSession(t *testing.T) {
	ts := newTestServer(t, true, nil)

	ws, resp := ts.dial(t, nil)
	cookie := sessionCookie(resp)
	if cookie == nil {
		t.Fatal("no session cookie from websocket")
	}
	sendFrame(t, ws, 0, protocol.TypeRequestSettings, nil)
	var settings protocol.SettingsMsg
	readType(t, ws, protocol.TypeSettings, &settings)

	body, ctype := multipartBody(t, map[string]string{"album/photo.txt": "pixels"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/upload?to=/up&vId=2", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: cookie.Value})
	up, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	up.Body.Close()
	if up.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", up.StatusCode)
	}

	data, err := os.ReadFile(filepath.Join(ts.files, "up", "album", "photo.txt"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(data) != "pixels" {
		t.Errorf("expected pixels, got %q", data)
	}

	var done protocol.UploadDoneMsg
	readType(t, ws, protocol.TypeUploadDone, &done)
	if done.VID != 2 {
		t.Errorf("expected vId 2, got %d", done.VID)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, true, func(c *Config) { c.MaxFileSize = 16 })

	body, ctype := multipartBody(t, map[string]string{"big.bin": strings.Repeat("x", 1024)})
	resp, err := http.Post(ts.URL+"/upload?to=/", ctype, body)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(ts.files, "big.bin")); !os.IsNotExist(err) {
		t.Errorf("oversized upload should not be stored: %v", err)
	}
}

func get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(target)
	if err != nil {
		t.Fatalf("GET %s failed: %v", target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ts.write(t, "notes.txt", "remember the milk")
	ts.write(t, "sub/inner.txt", "x")

	resp, body := get(t, ts.URL+"/~/notes.txt")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "remember the milk" {
		t.Errorf("unexpected body %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("expected attachment disposition, got %q", cd)
	}

	resp, _ = get(t, ts.URL+"/_/notes.txt")
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Errorf("expected inline disposition, got %q", cd)
	}

	resp, _ = get(t, ts.URL+"/~/sub")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a directory, got %d", resp.StatusCode)
	}

	resp, _ = get(t, ts.URL+"/~/missing.txt")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for a missing file, got %d", resp.StatusCode)
	}
}

func TestMarkdownRender(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ts.write(t, "doc.md", "# Title\n\nSome *text*.\n")

	resp, body := get(t, ts.URL+"/_/doc.md?render=markdown")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `<h1 id="title">Title</h1>`) {
		t.Errorf("heading not rendered: %s", body)
	}
	if !strings.Contains(body, "<em>text</em>") {
		t.Errorf("emphasis not rendered: %s", body)
	}
}

func TestShortlink(t *testing.T) {
	ts := newTestServer(t, false, nil)
	abs := ts.write(t, "shared.txt", "public")

	token, _, err := ts.links.Get(context.Background(), abs)
	if err != nil {
		t.Fatalf("Failed to create shortlink: %v", err)
	}

	resp, body := get(t, ts.URL+"/$/"+token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != "public" {
		t.Errorf("unexpected body %q", body)
	}

	resp, _ = get(t, ts.URL+"/$/zzzz")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown link, got %d", resp.StatusCode)
	}
}
