package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// fakeTransport acknowledges or drops messages and can answer them.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*wire.Message
	sentCh  chan *wire.Message
	noAck   bool
	block   bool
	respond func(msg *wire.Message)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan *wire.Message, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, _ Peer, msg *wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	noAck, block, respond := f.noAck, f.block, f.respond
	f.mu.Unlock()
	f.sentCh <- msg

	switch {
	case block:
		<-ctx.Done()
		return ctx.Err()
	case noAck:
		return ErrNoAck
	}
	if respond != nil {
		go respond(msg)
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type mockGate struct{ mock.Mock }

func (m *mockGate) IsQueueMode(regID string) bool { return m.Called(regID).Bool(0) }
func (m *mockGate) IsAwake(regID string) bool     { return m.Called(regID).Bool(0) }

type mockSessions struct{ mock.Mock }

func (m *mockSessions) HasSession(p Peer) bool { return m.Called(p).Bool(0) }
func (m *mockSessions) Handshake(ctx context.Context, p Peer) error {
	args := m.Called(ctx, p)
	if fn, ok := args.Get(0).(func(context.Context) error); ok {
		return fn(ctx)
	}
	return args.Error(0)
}

type verifierFunc func(sessionID, endpoint string) error

func (f verifierFunc) Verify(sessionID, endpoint string) error { return f(sessionID, endpoint) }

var target = Target{
	RegistrationID: "reg-1",
	SessionID:      "sess-1",
	Peer:           Peer{Endpoint: "dev", Address: "10.0.0.1:5684"},
}

func readReq() *wire.Request {
	return &wire.Request{Operation: wire.OpRead, Path: "/3/0/9"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 100 * time.Millisecond
	cfg.HandshakeTimeout = 100 * time.Millisecond
	return cfg
}

func newTestLayer(t *testing.T, tr Transport, cfg Config) *Layer {
	t.Helper()
	l := NewLayerWithConfig(tr, cfg)
	t.Cleanup(l.Close)
	return l
}

func answer(l *Layer, regID string, status wire.Status) func(*wire.Message) {
	return func(msg *wire.Message) {
		_ = l.HandleResponse(regID, msg.MessageID, &wire.Response{Status: status, Format: wire.FormatText, Payload: []byte("87")})
	}
}

func TestSendSuccess(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLayer(t, tr, testConfig())
	tr.respond = answer(l, "reg-1", wire.StatusContent)

	resp, err := l.Send(context.Background(), target, readReq())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusContent, resp.Status)
	assert.Equal(t, []byte("87"), resp.Payload)
	assert.Equal(t, 0, l.Pending())
}

func TestSendApplicationErrorIsResponse(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLayer(t, tr, testConfig())
	tr.respond = answer(l, "reg-1", wire.StatusNotFound)

	resp, err := l.Send(context.Background(), target, readReq())
	require.NoError(t, err)
	assert.Equal(t, wire.StatusNotFound, resp.Status)
	assert.False(t, resp.IsSuccess())
}

func TestSendTransportTimeout(t *testing.T) {
	tr := newFakeTransport()
	tr.noAck = true
	l := newTestLayer(t, tr, testConfig())

	resp, err := l.Send(context.Background(), target, readReq())
	assert.Nil(t, resp)
	assert.True(t, IsTimeout(err, TimeoutTransport))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, l.Pending())
}

func TestSendResponseTimeout(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLayer(t, tr, testConfig())

	start := time.Now()
	resp, err := l.Send(context.Background(), target, readReq())
	assert.Nil(t, resp)
	assert.True(t, IsTimeout(err, TimeoutResponse))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSendAsyncMatchesBlockingClassification(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeTransport)
		kind  TimeoutKind
	}{
		{"transport", func(f *fakeTransport) { f.noAck = true }, TimeoutTransport},
		{"response", func(*fakeTransport) {}, TimeoutResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport()
			tc.setup(tr)
			l := newTestLayer(t, tr, testConfig())

			errCh := make(chan error, 1)
			l.SendAsync(context.Background(), target, readReq(),
				func(*wire.Response) { t.Error("unexpected success") },
				func(err error) { errCh <- err })

			select {
			case err := <-errCh:
				assert.True(t, IsTimeout(err, tc.kind), "got %v", err)
			case <-time.After(2 * time.Second):
				t.Fatal("no outcome")
			}

			_, err := l.Send(context.Background(), target, readReq())
			assert.True(t, IsTimeout(err, tc.kind))
		})
	}
}

func TestSendAsyncSuccess(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLayer(t, tr, testConfig())
	tr.respond = answer(l, "reg-1", wire.StatusChanged)

	got := make(chan *wire.Response, 1)
	l.SendAsync(context.Background(), target, readReq(),
		func(r *wire.Response) { got <- r },
		func(err error) { t.Errorf("unexpected error %v", err) })

	select {
	case r := <-got:
		assert.Equal(t, wire.StatusChanged, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}
}

func TestSendSleepingPeerFailsFast(t *testing.T) {
	tr := newFakeTransport()
	gate := new(mockGate)
	gate.On("IsQueueMode", "reg-1").Return(true)
	gate.On("IsAwake", "reg-1").Return(false)

	cfg := testConfig()
	cfg.Presence = gate
	l := newTestLayer(t, tr, cfg)

	start := time.Now()
	_, err := l.Send(context.Background(), target, readReq())
	assert.ErrorIs(t, err, ErrUnconnectedPeer)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, tr.count())
	gate.AssertExpectations(t)
}

func TestSendAwakeQueueModePeer(t *testing.T) {
	tr := newFakeTransport()
	gate := new(mockGate)
	gate.On("IsQueueMode", "reg-1").Return(true)
	gate.On("IsAwake", "reg-1").Return(true)

	cfg := testConfig()
	cfg.Presence = gate
	l := newTestLayer(t, tr, cfg)
	tr.respond = answer(l, "reg-1", wire.StatusContent)

	_, err := l.Send(context.Background(), target, readReq())
	assert.NoError(t, err)
}

func TestSendHandshakeTimeout(t *testing.T) {
	tr := newFakeTransport()
	sessions := new(mockSessions)
	sessions.On("HasSession", target.Peer).Return(false)
	sessions.On("Handshake", mock.Anything, target.Peer).Return(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testConfig()
	cfg.Sessions = sessions
	l := newTestLayer(t, tr, cfg)

	_, err := l.Send(context.Background(), target, readReq())
	assert.True(t, IsTimeout(err, TimeoutHandshake), "got %v", err)
	assert.False(t, IsTimeout(err, TimeoutResponse))
	assert.Equal(t, 0, tr.count())
}

func TestSendHandshakeFailure(t *testing.T) {
	tr := newFakeTransport()
	sessions := new(mockSessions)
	sessions.On("HasSession", target.Peer).Return(false)
	sessions.On("Handshake", mock.Anything, target.Peer).Return(errors.New("alert: bad psk"))

	cfg := testConfig()
	cfg.Sessions = sessions
	l := newTestLayer(t, tr, cfg)

	_, err := l.Send(context.Background(), target, readReq())
	require.Error(t, err)
	assert.False(t, IsTimeout(err, 0))
	assert.Contains(t, err.Error(), "bad psk")
}

func TestSendSessionVerification(t *testing.T) {
	tr := newFakeTransport()
	invalidated := errors.New("session invalidated")
	cfg := testConfig()
	cfg.Verifier = verifierFunc(func(sessionID, endpoint string) error {
		assert.Equal(t, "sess-1", sessionID)
		assert.Equal(t, "dev", endpoint)
		return invalidated
	})
	l := newTestLayer(t, tr, cfg)

	_, err := l.Send(context.Background(), target, readReq())
	assert.ErrorIs(t, err, invalidated)
	assert.Equal(t, 0, tr.count())
}

func TestCancelRegistration(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.ResponseTimeout = time.Minute
	l := newTestLayer(t, tr, cfg)

	errCh := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := l.Send(context.Background(), target, readReq())
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return l.Pending() == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, l.CancelRegistration("other"))
	assert.Equal(t, 2, l.CancelRegistration("reg-1"))

	for range 2 {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("request not cancelled")
		}
	}
}

func TestCancelRegistrationDuringHandshake(t *testing.T) {
	tr := newFakeTransport()
	entered := make(chan struct{})
	sessions := new(mockSessions)
	sessions.On("HasSession", target.Peer).Return(false)
	sessions.On("Handshake", mock.Anything, target.Peer).Return(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testConfig()
	cfg.Sessions = sessions
	cfg.HandshakeTimeout = time.Minute
	cfg.ResponseTimeout = time.Minute
	l := newTestLayer(t, tr, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Send(context.Background(), target, readReq())
		errCh <- err
	}()
	<-entered
	assert.Equal(t, 1, l.CancelRegistration("reg-1"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.False(t, IsTimeout(err, 0))
	case <-time.After(time.Second):
		t.Fatal("request in handshake not cancelled")
	}
	assert.Equal(t, 0, tr.count(), "nothing is sent for a removed registration")
	assert.Equal(t, 0, l.Pending())
}

func TestSendAfterCancelRegistration(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLayer(t, tr, testConfig())

	assert.Equal(t, 0, l.CancelRegistration("reg-1"))
	_, err := l.Send(context.Background(), target, readReq())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, tr.count())

	other := target
	other.RegistrationID = "reg-2"
	tr.respond = answer(l, "reg-2", wire.StatusContent)
	_, err = l.Send(context.Background(), other, readReq())
	assert.NoError(t, err)
}

func TestLateResponseFromOtherRegistrationRejected(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.ResponseTimeout = time.Minute
	l := newTestLayer(t, tr, cfg)

	done := make(chan result, 1)
	go func() {
		resp, err := l.Send(context.Background(), target, readReq())
		done <- result{resp, err}
	}()
	msg := <-tr.sentCh
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, 5*time.Millisecond)

	err := l.HandleResponse("reg-2", msg.MessageID, wire.NewResponse(wire.StatusContent))
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	assert.Equal(t, 1, l.Pending(), "still waiting for its own registration")

	err = l.HandleResponse("reg-1", 9999, wire.NewResponse(wire.StatusContent))
	assert.ErrorIs(t, err, ErrUnexpectedReply)

	require.NoError(t, l.HandleResponse("reg-1", msg.MessageID, wire.NewResponse(wire.StatusContent)))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, wire.StatusContent, r.resp.Status)

	assert.ErrorIs(t, l.HandleResponse("reg-1", msg.MessageID, wire.NewResponse(wire.StatusContent)), ErrUnexpectedReply,
		"a request resolves once")
}

func TestSendContextCancelled(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.ResponseTimeout = time.Minute
	l := newTestLayer(t, tr, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-tr.sentCh
		cancel()
	}()
	_, err := l.Send(ctx, target, readReq())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = l.Send(ctx, target, readReq())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestClose(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig()
	cfg.ResponseTimeout = time.Minute
	l := NewLayerWithConfig(tr, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Send(context.Background(), target, readReq())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, 5*time.Millisecond)
	l.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)

	_, err := l.Send(context.Background(), target, readReq())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransmitSpan(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 45*time.Second, cfg.TransmitSpan())

	cfg.MaxRetransmit = 0
	assert.Equal(t, time.Duration(0), cfg.TransmitSpan())
}

func TestTimeoutKindString(t *testing.T) {
	assert.Equal(t, "HANDSHAKE", TimeoutHandshake.String())
	err := &TimeoutError{Kind: TimeoutResponse, Operation: wire.OpRead, Path: "/3/0", After: time.Second}
	assert.Contains(t, err.Error(), "RESPONSE timeout")
}
