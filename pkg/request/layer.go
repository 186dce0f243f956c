package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Peer addresses a device on the transport.
type Peer struct {
	Endpoint string
	Address  string
}

// Target is the registration a request is sent against.
type Target struct {
	RegistrationID string
	SessionID      string
	Peer           Peer
}

// TargetOf builds the target for a registration.
func TargetOf(reg *registration.Registration) Target {
	return Target{
		RegistrationID: reg.ID,
		SessionID:      reg.SessionID,
		Peer:           Peer{Endpoint: reg.Endpoint, Address: reg.Address},
	}
}

// Transport delivers a message confirmably. Send returns nil once the
// peer acknowledged it and ErrNoAck when retransmissions are exhausted.
type Transport interface {
	Send(ctx context.Context, peer Peer, msg *wire.Message) error
}

// SessionOpener establishes secure sessions on demand.
type SessionOpener interface {
	HasSession(peer Peer) bool
	Handshake(ctx context.Context, peer Peer) error
}

// PresenceGate reports whether a queue-mode device can be contacted.
type PresenceGate interface {
	IsQueueMode(regID string) bool
	IsAwake(regID string) bool
}

// SessionVerifier checks that a session is still trusted for an endpoint.
type SessionVerifier interface {
	Verify(sessionID, endpoint string) error
}

// Defaults follow the CoAP transmission parameters.
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomFactor  = 1.5
	DefaultMaxRetransmit    = 4
	DefaultResponseTimeout  = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Layer.
type Config struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	// ResponseTimeout bounds the wait for a response after acknowledgement.
	ResponseTimeout time.Duration

	HandshakeTimeout time.Duration

	// Sessions opens secure sessions. Nil means the transport needs none.
	Sessions SessionOpener

	// Presence gates queue-mode devices. Nil treats every device as awake.
	Presence PresenceGate

	// Verifier checks session trust before each request.
	Verifier SessionVerifier

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		ResponseTimeout:  DefaultResponseTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// TransmitSpan is the longest a confirmable send can take before the last
// retransmission: AckTimeout * (2^MaxRetransmit - 1) * AckRandomFactor.
func (c Config) TransmitSpan() time.Duration {
	factor := math.Pow(2, float64(c.MaxRetransmit)) - 1
	return time.Duration(float64(c.AckTimeout) * factor * c.AckRandomFactor)
}

// transmitWait adds the final acknowledgement window to TransmitSpan.
func (c Config) transmitWait() time.Duration {
	return c.TransmitSpan() + time.Duration(float64(c.AckTimeout)*c.AckRandomFactor)
}

type pending struct {
	id     uint32
	regID  string
	op     wire.Operation
	path   string
	done   func(*wire.Response, error)
	timer  *time.Timer
	cancel func() bool // stops the context watcher
	abort  context.CancelFunc
}

// Layer sends requests and matches responses to them.
type Layer struct {
	config    Config
	logger    *slog.Logger
	transport Transport

	nextMsgID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pending
	closed  bool

	// removed holds registrations torn down by CancelRegistration, so a
	// dispatch that raced the teardown fails instead of being sent.
	removed map[string]time.Time
}

// NewLayer creates a layer with the default configuration.
func NewLayer(transport Transport) *Layer {
	return NewLayerWithConfig(transport, DefaultConfig())
}

// NewLayerWithConfig creates a layer.
func NewLayerWithConfig(transport Transport, config Config) *Layer {
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.AckRandomFactor < 1 {
		config.AckRandomFactor = DefaultAckRandomFactor
	}
	if config.MaxRetransmit < 0 {
		config.MaxRetransmit = DefaultMaxRetransmit
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Layer{
		config:    config,
		logger:    config.Logger,
		transport: transport,
		pending:   make(map[uint32]*pending),
		removed:   make(map[string]time.Time),
	}
}

// Config returns the effective configuration.
func (l *Layer) Config() Config { return l.config }

type result struct {
	resp *wire.Response
	err  error
}

// Send sends req and blocks until it resolves. On any failure the
// response is nil.
func (l *Layer) Send(ctx context.Context, target Target, req *wire.Request) (*wire.Response, error) {
	ch := make(chan result, 1)
	l.dispatch(ctx, target, req, func(resp *wire.Response, err error) {
		ch <- result{resp: resp, err: err}
	})
	r := <-ch
	return r.resp, r.err
}

// SendAsync sends req without blocking. Exactly one of onSuccess or
// onError is called, from a goroutine owned by the layer.
func (l *Layer) SendAsync(ctx context.Context, target Target, req *wire.Request, onSuccess func(*wire.Response), onError func(error)) {
	go l.dispatch(ctx, target, req, func(resp *wire.Response, err error) {
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(resp)
		}
	})
}

// dispatch runs the request up to acknowledgement and arranges for done
// to be called once with the outcome.
func (l *Layer) dispatch(ctx context.Context, target Target, req *wire.Request, done func(*wire.Response, error)) {
	if err := ctx.Err(); err != nil {
		done(nil, fmt.Errorf("%w: %w", ErrCancelled, err))
		return
	}
	if err := l.precheck(target); err != nil {
		done(nil, err)
		return
	}

	reqCtx, abort := context.WithCancel(ctx)
	p := &pending{
		id:    l.nextMsgID.Add(1),
		regID: target.RegistrationID,
		op:    req.Operation,
		path:  req.Path,
		done:  done,
		abort: abort,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		abort()
		done(nil, ErrClosed)
		return
	}
	if _, gone := l.removed[target.RegistrationID]; gone {
		l.mu.Unlock()
		abort()
		done(nil, fmt.Errorf("%w: registration %s removed", ErrCancelled, target.RegistrationID))
		return
	}
	// Tracked from here on so teardown also reaches requests still waiting
	// for their handshake.
	l.pending[p.id] = p
	p.cancel = context.AfterFunc(ctx, func() {
		_ = l.resolve(p.id, "", nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	})
	l.mu.Unlock()

	if err := l.ensureSession(reqCtx, target, req); err != nil {
		_ = l.resolve(p.id, "", nil, err)
		return
	}
	if !l.isPending(p.id) {
		return
	}

	l.debugLog("request sent",
		"registration", target.RegistrationID, "op", req.Operation.String(), "path", req.Path, "msgId", p.id)

	sendCtx, cancel := context.WithTimeout(reqCtx, l.config.transmitWait())
	err := l.transport.Send(sendCtx, target.Peer, wire.NewRequestMessage(p.id, req))
	cancel()

	if err != nil {
		if errors.Is(err, ErrNoAck) || errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Kind: TimeoutTransport, Operation: req.Operation, Path: req.Path, After: l.config.transmitWait()}
		}
		_ = l.resolve(p.id, "", nil, err)
		return
	}

	l.mu.Lock()
	if _, ok := l.pending[p.id]; ok {
		p.timer = time.AfterFunc(l.config.ResponseTimeout, func() {
			_ = l.resolve(p.id, "", nil, &TimeoutError{
				Kind: TimeoutResponse, Operation: req.Operation, Path: req.Path, After: l.config.ResponseTimeout,
			})
		})
	}
	l.mu.Unlock()
}

func (l *Layer) isPending(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	return ok
}

func (l *Layer) precheck(target Target) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if g := l.config.Presence; g != nil && g.IsQueueMode(target.RegistrationID) && !g.IsAwake(target.RegistrationID) {
		return fmt.Errorf("%w: %s is sleeping", ErrUnconnectedPeer, target.Peer.Endpoint)
	}
	if v := l.config.Verifier; v != nil && target.SessionID != "" {
		if err := v.Verify(target.SessionID, target.Peer.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) ensureSession(ctx context.Context, target Target, req *wire.Request) error {
	s := l.config.Sessions
	if s == nil || s.HasSession(target.Peer) {
		return nil
	}

	hsCtx, cancel := context.WithTimeout(ctx, l.config.HandshakeTimeout)
	defer cancel()
	err := s.Handshake(hsCtx, target.Peer)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(hsCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Kind: TimeoutHandshake, Operation: req.Operation, Path: req.Path, After: l.config.HandshakeTimeout}
	}
	return fmt.Errorf("handshake with %s: %w", target.Peer.Endpoint, err)
}

// resolve completes a pending request. A non-empty regID must match the
// registration the request was sent for.
func (l *Layer) resolve(id uint32, regID string, resp *wire.Response, err error) error {
	l.mu.Lock()
	p, ok := l.pending[id]
	if !ok || (regID != "" && p.regID != regID) {
		l.mu.Unlock()
		return ErrUnexpectedReply
	}
	delete(l.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	stopWatch := p.cancel
	l.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if p.abort != nil {
		p.abort()
	}
	if err != nil {
		l.debugLog("request failed", "registration", p.regID, "op", p.op.String(), "path", p.path, "error", err)
	}
	p.done(resp, err)
	return nil
}

// HandleResponse resolves the request with message id msgID. Responses for
// unknown ids or from a different registration are rejected with
// ErrUnexpectedReply.
func (l *Layer) HandleResponse(regID string, msgID uint32, resp *wire.Response) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrUnexpectedReply)
	}
	if err := l.resolve(msgID, regID, resp, nil); err != nil {
		l.debugLog("unexpected response", "registration", regID, "msgId", msgID)
		return err
	}
	return nil
}

// CancelRegistration resolves every request against regID with
// ErrCancelled, including those still in their handshake, and returns how
// many were outstanding. Requests dispatched for regID afterwards fail with
// ErrCancelled.
func (l *Layer) CancelRegistration(regID string) int {
	l.mu.Lock()
	now := time.Now()
	for id, at := range l.removed {
		if now.Sub(at) > l.removedTTL() {
			delete(l.removed, id)
		}
	}
	l.removed[regID] = now
	var ids []uint32
	for id, p := range l.pending {
		if p.regID == regID {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	n := 0
	for _, id := range ids {
		if l.resolve(id, regID, nil, fmt.Errorf("%w: registration %s removed", ErrCancelled, regID)) == nil {
			n++
		}
	}
	return n
}

// removedTTL covers the longest a dispatch can run before its request is
// tracked.
func (l *Layer) removedTTL() time.Duration {
	return l.config.HandshakeTimeout + l.config.transmitWait()
}

// Pending returns the number of unresolved requests.
func (l *Layer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close resolves every outstanding request with ErrClosed. Later sends
// fail immediately.
func (l *Layer) Close() {
	l.mu.Lock()
	l.closed = true
	ids := make([]uint32, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		_ = l.resolve(id, "", nil, ErrClosed)
	}
}

func (l *Layer) debugLog(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Debug(msg, args...)
	}
}
