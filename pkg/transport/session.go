package transport

import (
	"net"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/security"
)

// Session is one secure connection with a device.
type Session struct {
	ID          string
	RemoteAddr  string
	Credentials security.Credentials
	CreatedAt   time.Time

	conn    net.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	endpoint string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn net.Conn, creds security.Credentials) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  conn.RemoteAddr().String(),
		Credentials: creds,
		CreatedAt:   time.Now(),
		conn:        conn,
		done:        make(chan struct{}),
	}
}

// Endpoint returns the endpoint bound to the session, if any.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) setEndpoint(ep string) {
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
}

// Write sends one datagram.
func (s *Session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(p)
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }
