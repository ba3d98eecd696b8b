package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/auth"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/protocol"
	"github.com/fruitsalade/livedrive/internal/retry"
)

const (
	writeWait   = 10 * time.Second
	outboxSize  = 64
	closeWait   = time.Second
	pingMessage = "ping"
	pongMessage = "pong"
)

// socket is the outbound side of one websocket. Pushes go through a
// bounded queue drained by a single writer goroutine.
type socket struct {
	ws        *websocket.Conn
	out       chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	retry     retry.Config
	keepAlive time.Duration
}

func newSocket(ws *websocket.Conn, keepAlive, pushRetry, pushTimeout time.Duration) *socket {
	return &socket{
		ws:        ws,
		out:       make(chan protocol.Message, outboxSize),
		done:      make(chan struct{}),
		retry:     retry.Fixed(pushRetry, pushTimeout),
		keepAlive: keepAlive,
	}
}

// Send queues msg. A full queue is retried until the push timeout, then
// the message is dropped.
func (s *socket) Send(msg protocol.Message) error {
	err := retry.Do(context.Background(), s.retry, func() error {
		select {
		case <-s.done:
			return apperr.ErrChannel
		default:
		}
		select {
		case s.out <- msg:
			return nil
		default:
			return retry.Retryable(apperr.ErrChannel)
		}
	})
	if err != nil {
		reason := "timeout"
		if s.closed() {
			reason = "closed"
		}
		metrics.RecordDroppedPush(reason)
		return err
	}
	metrics.RecordPush(msg.MessageType())
	return nil
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writeLoop owns the write side of the websocket.
func (s *socket) writeLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	defer s.ws.Close()

	for {
		select {
		case msg := <-s.out:
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error("encode push failed", zap.String("type", msg.MessageType()), zap.Error(err))
				continue
			}
			if err := s.write(data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.write([]byte(pingMessage)); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *socket) write(data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with code and closes the socket.
func closeWith(ws *websocket.Conn, code int, text string) {
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWait))
	ws.Close()
}

// ─── Websocket ──────────────────────────────────────────────────────────────

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.SessionFromRequest(r)
	header := http.Header{}
	if err != nil && s.cfg.NoLogin {
		sess, err = s.sessions.CreateSession(r.Context(), "", true)
		if err == nil {
			header.Add("Set-Cookie", auth.NewCookie(r, sess.Token, s.cfg.SessionTTL).String())
		}
	}

	ws, upErr := s.upgrader.Upgrade(w, r, header)
	if upErr != nil {
		logging.WithContext(r.Context()).Debug("websocket upgrade failed", zap.Error(upErr))
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Info("websocket unauthorized", zap.String("remote_addr", r.RemoteAddr))
		closeWith(ws, protocol.CloseUnauthorized, "unauthorized")
		return
	}

	sock := newSocket(ws, s.cfg.KeepAlive, s.cfg.PushRetry, s.cfg.PushTimeout)
	conn, err := s.engine.Connect(sess, sock)
	if err != nil {
		logging.Error("connect failed", zap.Error(err))
		closeWith(ws, websocket.CloseInternalServerErr, "internal error")
		return
	}
	go sock.writeLoop()

	s.readLoop(ws, sess, func(env protocol.Envelope, req protocol.Request) {
		s.engine.Handle(conn, env, req)
	}, conn.ID)

	sock.close()
	s.engine.Teardown(conn)
}

// readLoop decodes client frames until the socket closes. A close with the
// logout code ends the session.
func (s *Server) readLoop(ws *websocket.Conn, sess *auth.Session, dispatch func(protocol.Envelope, protocol.Request), connID string) {
	log := logging.ForConn(connID)
	deadline := 3 * s.cfg.KeepAlive
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == protocol.CloseLogout {
				if err := s.sessions.Invalidate(context.Background(), sess.Token); err != nil {
					log.Warn("logout failed", zap.Error(err))
				}
				log.Info("logged out", zap.String("user", sess.Username))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(deadline))

		if string(frame) == pongMessage {
			continue
		}
		if _, err := s.sessions.Resolve(sess.Token); err != nil {
			log.Info("session expired", zap.String("user", sess.Username))
			closeWith(ws, protocol.CloseUnauthorized, "unauthorized")
			return
		}

		env, req, err := protocol.Decode(frame)
		if err != nil {
			log.Info("invalid message", zap.Error(err))
			continue
		}
		if env.Type != protocol.TypeSaveFile {
			log.Debug("recv", zap.String("type", env.Type), zap.Int("vid", env.VID))
		}
		dispatch(env, req)
	}
}
