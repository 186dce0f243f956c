package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/ident"
	"github.com/mash-protocol/lwm2m-go/pkg/log"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Defaults.
const (
	DefaultMaxDatagramSize  = 65507
	DefaultHandshakeTimeout = 10 * time.Second
)

// Handler processes inbound messages. It runs on the session's read loop,
// so messages of one session are handled in order and the handler must
// not block on downlink traffic. A non-nil reply is written back.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg *wire.Message) *wire.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, msg *wire.Message) *wire.Message

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, s *Session, msg *wire.Message) *wire.Message {
	return f(ctx, s, msg)
}

// CredentialsFunc extracts what a peer presented during its handshake.
type CredentialsFunc func(conn net.Conn) (security.Credentials, error)

// Dialer opens a server-initiated session to a peer.
type Dialer func(ctx context.Context, peer request.Peer) (net.Conn, error)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Handler Handler

	// Credentials defaults to DTLSCredentials.
	Credentials CredentialsFunc

	// Dial enables server-initiated handshakes.
	Dial Dialer

	HandshakeTimeout time.Duration
	MaxDatagramSize  int
	Reliable         ReliableConfig

	// IDs issues session ids.
	IDs ident.Source

	// OnSessionClosed is called after a session's read loop ends.
	OnSessionClosed func(*Session)

	ProtocolLogger log.Logger
	Logger         *slog.Logger
}

type handshaker interface {
	HandshakeContext(ctx context.Context) error
}

// Listener accepts device sessions and routes their messages.
type Listener struct {
	config   ListenerConfig
	logger   *slog.Logger
	plog     log.Logger
	reliable *Reliable

	ln      net.Listener
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.RWMutex
	byID       map[string]*Session
	byEndpoint map[string]*Session
	byAddr     map[string]*Session
}

// NewListener creates a listener. Start attaches it to a net.Listener;
// Attach serves individual connections.
func NewListener(config ListenerConfig) *Listener {
	if config.Credentials == nil {
		config.Credentials = DTLSCredentials
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.MaxDatagramSize <= 0 {
		config.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if config.IDs == nil {
		config.IDs = ident.NewRandomSource()
	}
	l := &Listener{
		config:     config,
		logger:     config.Logger,
		plog:       config.ProtocolLogger,
		byID:       make(map[string]*Session),
		byEndpoint: make(map[string]*Session),
		byAddr:     make(map[string]*Session),
	}
	if l.plog == nil {
		l.plog = log.NoopLogger{}
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.reliable = NewReliable(l, config.Reliable)
	l.reliable.OnSend(func(peer request.Peer, msg *wire.Message) {
		l.logMessage(peer.Endpoint, peer.Address, log.DirectionOut, msg)
	})
	return l
}

// Reliable returns the confirmable sender bound to this listener's
// sessions.
func (l *Listener) Reliable() *Reliable { return l.reliable }

// Start accepts connections from ln until Stop is called or ctx ends.
func (l *Listener) Start(ctx context.Context, ln net.Listener) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already running")
	}
	l.ln = ln
	context.AfterFunc(ctx, func() { _ = l.Stop() })

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener and every session and waits for read loops.
func (l *Listener) Stop() error {
	l.cancel()
	if l.running.CompareAndSwap(true, false) && l.ln != nil {
		_ = l.ln.Close()
	}

	l.mu.RLock()
	sessions := make([]*Session, 0, len(l.byID))
	for _, s := range l.byID {
		sessions = append(sessions, s)
	}
	l.mu.RUnlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	l.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (l *Listener) Addr() net.Addr {
	if l.ln != nil {
		return l.ln.Addr()
	}
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logError("accept", err)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	if hs, ok := conn.(handshaker); ok {
		ctx, cancel := context.WithTimeout(l.ctx, l.config.HandshakeTimeout)
		err := hs.HandshakeContext(ctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			l.logError("handshake "+conn.RemoteAddr().String(), err)
			return
		}
	}
	creds, err := l.config.Credentials(conn)
	if err != nil {
		_ = conn.Close()
		l.logError("credentials "+conn.RemoteAddr().String(), err)
		return
	}
	s := l.register(conn, creds)
	l.readLoop(s)
}

// Attach serves conn as a new session in the background.
func (l *Listener) Attach(conn net.Conn, creds security.Credentials) *Session {
	s := l.register(conn, creds)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(s)
	}()
	return s
}

func (l *Listener) register(conn net.Conn, creds security.Credentials) *Session {
	s := newSession(l.config.IDs.NewID(), conn, creds)

	l.mu.Lock()
	l.byID[s.ID] = s
	l.byAddr[s.RemoteAddr] = s
	l.mu.Unlock()

	l.debugLog("session opened", "session", s.ID, "remote", s.RemoteAddr, "mode", creds.Mode.String())
	l.logState(s, "", "OPEN", creds.Mode.String())
	return s
}

func (l *Listener) unregister(s *Session) {
	l.mu.Lock()
	delete(l.byID, s.ID)
	if l.byAddr[s.RemoteAddr] == s {
		delete(l.byAddr, s.RemoteAddr)
	}
	if ep := s.Endpoint(); ep != "" && l.byEndpoint[ep] == s {
		delete(l.byEndpoint, ep)
	}
	l.mu.Unlock()
}

func (l *Listener) readLoop(s *Session) {
	defer func() {
		_ = s.Close()
		l.unregister(s)
		l.debugLog("session closed", "session", s.ID, "endpoint", s.Endpoint())
		l.logState(s, "OPEN", "CLOSED", "")
		if l.config.OnSessionClosed != nil {
			l.config.OnSessionClosed(s)
		}
	}()

	buf := make([]byte, l.config.MaxDatagramSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-s.done:
			case <-l.ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					l.logError("read "+s.RemoteAddr, err)
				}
			}
			return
		}
		l.plog.Log(log.Event{
			Timestamp:  time.Now(),
			SessionID:  s.ID,
			Direction:  log.DirectionIn,
			Layer:      log.LayerTransport,
			Category:   log.CategoryMessage,
			RemoteAddr: s.RemoteAddr,
			Endpoint:   s.Endpoint(),
			Datagram:   log.NewDatagramEvent(buf[:n]),
		})

		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			l.logError("decode from "+s.RemoteAddr, err)
			continue
		}
		l.dispatch(s, msg)
	}
}

func (l *Listener) dispatch(s *Session, msg *wire.Message) {
	l.logMessage(s.Endpoint(), s.RemoteAddr, log.DirectionIn, msg)

	switch msg.Type {
	case wire.MessageTypeAck:
		l.reliable.Ack(msg.MessageID)
		return
	case wire.MessageTypeResponse:
		// A response doubles as the acknowledgement of its request.
		l.reliable.Ack(msg.MessageID)
	}

	var reply *wire.Message
	if l.config.Handler != nil {
		reply = l.config.Handler.HandleMessage(l.ctx, s, msg)
	}
	if reply == nil && msg.Type == wire.MessageTypeNotification {
		reply = wire.NewAck(msg.MessageID)
	}
	if reply == nil {
		return
	}
	if err := l.Reply(s, reply); err != nil {
		l.logError("reply to "+s.RemoteAddr, err)
	}
}

// Reply writes msg on s without waiting for acknowledgement.
func (l *Listener) Reply(s *Session, msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	l.logMessage(s.Endpoint(), s.RemoteAddr, log.DirectionOut, msg)
	_, err = s.Write(data)
	return err
}

// Bind associates a session with an endpoint. A previous session of the
// same endpoint stays open but is no longer used for downlink traffic.
func (l *Listener) Bind(sessionID, endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotConnected, sessionID)
	}
	s.setEndpoint(endpoint)
	l.byEndpoint[endpoint] = s
	return nil
}

// Session returns a session by id.
func (l *Listener) Session(id string) (*Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byID[id]
	return s, ok
}

// SessionCount returns the number of open sessions.
func (l *Listener) SessionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Lookup resolves a peer by endpoint, then by address.
func (l *Listener) Lookup(peer request.Peer) (DatagramWriter, bool) {
	s, ok := l.lookup(peer)
	if !ok {
		return nil, false
	}
	return s, true
}

func (l *Listener) lookup(peer request.Peer) (*Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.byEndpoint[peer.Endpoint]; ok && peer.Endpoint != "" {
		return s, true
	}
	if s, ok := l.byAddr[peer.Address]; ok && peer.Address != "" {
		return s, true
	}
	return nil, false
}

// HasSession reports whether peer has an open session.
func (l *Listener) HasSession(peer request.Peer) bool {
	_, ok := l.lookup(peer)
	return ok
}

// Handshake opens a server-initiated session to peer.
func (l *Listener) Handshake(ctx context.Context, peer request.Peer) error {
	if l.config.Dial == nil {
		return fmt.Errorf("%w: no dialer for %s", ErrNotConnected, peer.Endpoint)
	}
	conn, err := l.config.Dial(ctx, peer)
	if err != nil {
		return err
	}
	if hs, ok := conn.(handshaker); ok {
		if err := hs.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return err
		}
	}
	creds, err := l.config.Credentials(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s := l.Attach(conn, creds)
	return l.Bind(s.ID, peer.Endpoint)
}

// DropSession closes the session bound to endpoint so the device must
// handshake again.
func (l *Listener) DropSession(endpoint string) error {
	l.mu.Lock()
	s, ok := l.byEndpoint[endpoint]
	if ok {
		delete(l.byEndpoint, endpoint)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.debugLog("session dropped", "session", s.ID, "endpoint", endpoint)
	return s.Close()
}

func (l *Listener) logMessage(endpoint, addr string, dir log.Direction, msg *wire.Message) {
	l.plog.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryMessage,
		RemoteAddr: addr,
		Endpoint:   endpoint,
		Message:    log.NewMessageEvent(msg),
	})
}

func (l *Listener) logState(s *Session, from, to, reason string) {
	l.plog.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  s.ID,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		RemoteAddr: s.RemoteAddr,
		Endpoint:   s.Endpoint(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}

func (l *Listener) logError(op string, err error) {
	l.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerTransport,
		Category:  log.CategoryError,
		Error:     &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: op},
	})
	if l.logger != nil {
		l.logger.Warn("transport error", "op", op, "error", err)
	}
}

func (l *Listener) debugLog(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Debug(msg, args...)
	}
}

var (
	_ request.SessionOpener   = (*Listener)(nil)
	_ security.SessionDropper = (*Listener)(nil)
	_ PeerDirectory           = (*Listener)(nil)
	_ DatagramWriter          = (*Session)(nil)
)
