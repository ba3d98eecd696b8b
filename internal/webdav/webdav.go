// Package webdav exposes each user's home directory over WebDAV.
package webdav

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/pathguard"
)

// Prefix is the mount point of the WebDAV handler.
const Prefix = "/webdav"

// HomeFunc maps a session to its home directory.
type HomeFunc func(sess *auth.Session) string

// NewHandler returns a WebDAV handler that serves the caller's home. Callers
// authenticate with the session cookie or HTTP Basic auth; with noLogin
// unauthenticated callers get the shared root.
func NewHandler(sessions *auth.Store, home HomeFunc, noLogin bool) http.Handler {
	locks := webdav.NewMemLS()
	dav := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := home(auth.FromContext(r.Context()))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Error("webdav home unavailable", zap.String("home", dir), zap.Error(err))
			http.Error(w, "home unavailable", http.StatusInternalServerError)
			return
		}
		h := &webdav.Handler{
			Prefix:     Prefix,
			FileSystem: &homeFS{home: dir},
			LockSystem: locks,
			Logger: func(r *http.Request, err error) {
				if err != nil {
					logging.Debug("webdav request failed",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Error(err))
				}
			},
		}
		h.ServeHTTP(w, r)
	})
	return BasicAuthMiddleware(sessions, noLogin)(dav)
}

// BasicAuthMiddleware resolves the caller from the session cookie or Basic
// credentials.
func BasicAuthMiddleware(sessions *auth.Store, noLogin bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sess, err := sessions.SessionFromRequest(r); err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				if noLogin {
					anon := &auth.Session{Privileged: true}
					next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), anon)))
					return
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="livedrive"`)
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			privileged, err := sessions.CheckCredentials(username, password)
			if err != nil {
				logging.Warn("webdav auth failed", zap.String("username", username), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Basic realm="livedrive"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			sess := &auth.Session{Username: username, Privileged: privileged}
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), sess)))
		})
	}
}

// homeFS is a webdav.Dir that refuses names leaving home, including
// through symlinks.
type homeFS struct {
	home string
}

func (fs *homeFS) check(name string) error {
	if name == "" {
		name = "/"
	}
	if _, err := pathguard.Resolve(fs.home, name); err != nil {
		return os.ErrPermission
	}
	return nil
}

func (fs *homeFS) dir() webdav.Dir { return webdav.Dir(fs.home) }

func (fs *homeFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := fs.check(name); err != nil {
		return err
	}
	return fs.dir().Mkdir(ctx, name, perm)
}

func (fs *homeFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if err := fs.check(name); err != nil {
		return nil, err
	}
	return fs.dir().OpenFile(ctx, name, flag, perm)
}

func (fs *homeFS) RemoveAll(ctx context.Context, name string) error {
	if err := fs.check(name); err != nil {
		return err
	}
	return fs.dir().RemoveAll(ctx, name)
}

func (fs *homeFS) Rename(ctx context.Context, oldName, newName string) error {
	if err := fs.check(oldName); err != nil {
		return err
	}
	if err := fs.check(newName); err != nil {
		return err
	}
	return fs.dir().Rename(ctx, oldName, newName)
}

func (fs *homeFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := fs.check(name); err != nil {
		return nil, err
	}
	return fs.dir().Stat(ctx, name)
}
