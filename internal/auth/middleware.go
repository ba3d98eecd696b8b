package auth

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/logging"
)

// CookieName is the session cookie.
const CookieName = "s"

type contextKey string

const sessionContextKey contextKey = "session"

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// FromContext returns the session stored by the middleware, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey).(*Session)
	return sess
}

// NewCookie returns the session cookie for token.
func NewCookie(r *http.Request, token string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	}
}

// SetCookie writes the session cookie.
func SetCookie(w http.ResponseWriter, r *http.Request, token string, ttl time.Duration) {
	http.SetCookie(w, NewCookie(r, token, ttl))
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1})
}

// SessionFromRequest resolves the session cookie on r.
func (s *Store) SessionFromRequest(r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, err
	}
	return s.Resolve(c.Value)
}

// Gate resolves the caller's session and puts it in the request context.
//
// When noLogin is set, callers without a valid cookie get a fresh privileged
// anonymous session. Otherwise they are redirected to the login page.
type Gate struct {
	Store   *Store
	NoLogin bool
	TTL     time.Duration
}

// Middleware returns HTTP middleware that requires a session.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := g.Store.SessionFromRequest(r)
		if err != nil && g.NoLogin {
			sess, err = g.Store.CreateSession(r.Context(), "", true)
			if err != nil {
				logging.Error("anonymous session failed", zap.Error(err))
				http.Error(w, "session error", http.StatusInternalServerError)
				return
			}
			SetCookie(w, r, sess.Token, g.TTL)
		}
		if err != nil {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}
