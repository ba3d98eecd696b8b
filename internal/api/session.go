package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/logging"
)

// ─── Login ──────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid form")
		return
	}
	sess, err := s.sessions.Authenticate(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidCredentials) {
			s.sendError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logging.WithContext(r.Context()).Error("login error", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "login failed")
		return
	}

	auth.SetCookie(w, r, sess.Token, s.cfg.SessionTTL)
	w.WriteHeader(http.StatusAccepted)
}

// handleAddUser creates the first, privileged account. It is refused once
// any user exists.
func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.FirstRun() {
		s.sendError(w, http.StatusForbidden, "users already exist")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid form")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	if _, err := s.sessions.AddOrUpdateUser(r.Context(), username, password, true); err != nil {
		s.sendError(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), username, true)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "session error")
		return
	}

	auth.SetCookie(w, r, sess.Token, s.cfg.SessionTTL)
	logging.WithContext(r.Context()).Info("first user added", zap.String("user", username))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.CookieName); err == nil {
		if err := s.sessions.Invalidate(r.Context(), c.Value); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			logging.WithContext(r.Context()).Warn("logout failed", zap.Error(err))
		}
	}
	auth.ClearCookie(w)
	w.WriteHeader(http.StatusOK)
}
