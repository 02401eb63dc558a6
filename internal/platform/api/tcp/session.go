package tcp

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one client connection. Only the goroutine that accepted it reads
// or writes the connection; busy is guarded by the server mutex.
type Session struct {
	ID              string
	ProtocolVersion uint8

	conn         net.Conn
	reader       *bufio.Reader
	lastActivity atomic.Int64
	busy         bool
}

func newSession(conn net.Conn) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
