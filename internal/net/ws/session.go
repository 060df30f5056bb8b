package ws

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"glass-frontier/hub/internal/net/proto"
)

// session adapts a websocket connection to gateway.Transport. gorilla allows
// one concurrent writer, so data frames are serialised here; control frames
// are safe to write concurrently.
type session struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *websocket.Conn, writeWait time.Duration) *session {
	return &session{conn: conn, writeWait: writeWait}
}

// Send writes env as a single text frame.
func (s *session) Send(ctx context.Context, env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket.
func (s *session) Close(reason string) error {
	return s.closeWith(websocket.CloseNormalClosure, reason)
}

func (s *session) closeWith(code int, reason string) error {
	s.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(code, truncateReason(reason))
		_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.writeWait))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func truncateReason(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
