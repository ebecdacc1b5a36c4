package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = time.Second

// socket serializes writes to a websocket connection, which allows only one
// concurrent writer.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *socket) close(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// closedNormally reports whether a read error is an orderly client close.
func closedNormally(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
