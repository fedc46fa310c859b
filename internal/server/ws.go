package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/schedule"
)

// wsWork is the work-distribution socket. The session is registered before
// the upgrade so policy rejections surface as plain HTTP statuses; after the
// upgrade one goroutine owns all writes (initial assignment, periodic refill,
// the final done frame) while the handler goroutine reads result payloads.
func (s *Server) wsWork(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	sess, err := s.coord.Register(addr)
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrNotRegistered):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, schedule.ErrDuplicateClient):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, schedule.ErrDone):
			writeError(w, http.StatusGone, err.Error())
		default:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.coord.Disconnect(addr)
		s.logger.Warn("websocket upgrade failed", zap.String("client", addr), zap.Error(err))
		return
	}
	defer conn.Close()
	defer s.coord.Disconnect(addr)

	stop := make(chan struct{})
	nudge := make(chan struct{}, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, sess, nudge, stop)
	}()

	s.readPump(conn, sess, nudge)
	close(stop)
	<-writerDone
}

// writePump tops up the session's assignment on a fixed cadence, and
// immediately when the reader nudges it after an accepted result, and owns
// all writes to conn. It exits when the session closes, the coordinator
// finishes or the reader goes away.
func (s *Server) writePump(
	conn *websocket.Conn,
	sess *schedule.Session,
	nudge <-chan struct{},
	stop <-chan struct{},
) {
	ticker := time.NewTicker(s.refill)
	defer ticker.Stop()

	send := func() bool {
		batches, err := s.coord.AcquireWork(sess.ID())
		if err != nil {
			// ErrDone is delivered through the session's closed channel.
			return errors.Is(err, schedule.ErrDone)
		}
		if len(batches) == 0 {
			return true
		}
		if err := conn.WriteJSON(assignEnvelope(batches)); err != nil {
			s.logger.Warn("assign write failed", zap.String("client", sess.ID()), zap.Error(err))
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-nudge:
			if !send() {
				return
			}
		case <-sess.Closed():
			_ = conn.WriteJSON(doneEnvelope())
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "work complete"),
			)
			return
		case <-stop:
			return
		}
	}
}

// readPump consumes result envelopes until the connection drops. Each
// accepted result nudges the write pump so the freed capacity is refilled
// right away rather than on the next tick.
func (s *Server) readPump(conn *websocket.Conn, sess *schedule.Session, nudge chan<- struct{}) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", zap.String("client", sess.ID()), zap.Error(err))
			}
			return
		}
		if err := env.validate(); err != nil {
			s.logger.Warn("malformed envelope dropped",
				zap.String("client", sess.ID()),
				zap.Error(err),
			)
			continue
		}
		if env.Type != MessageResult {
			continue
		}
		accepted, err := s.coord.Report(sess.ID(), *env.Result)
		if err != nil {
			return
		}
		if !accepted {
			s.logger.Debug("result not accepted",
				zap.String("client", sess.ID()),
				zap.Uint64("batch_id", env.Result.BatchID),
			)
			continue
		}
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
}
