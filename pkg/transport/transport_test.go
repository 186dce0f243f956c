package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/ident"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

type countingWriter struct {
	writes atomic.Int32
	onWrite func(n int32)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n := w.writes.Add(1)
	if w.onWrite != nil {
		w.onWrite(n)
	}
	return len(p), nil
}

type staticDirectory struct{ w DatagramWriter }

func (d staticDirectory) Lookup(request.Peer) (DatagramWriter, bool) {
	if d.w == nil {
		return nil, false
	}
	return d.w, true
}

func fastReliable() ReliableConfig {
	return ReliableConfig{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1.5,
		MaxRetransmit:   2,
		Jitter:          func() float64 { return 0 },
	}
}

var peer = request.Peer{Endpoint: "dev", Address: "pipe"}

func readMsg() *wire.Message {
	return wire.NewRequestMessage(11, &wire.Request{Operation: wire.OpRead, Path: "/3/0"})
}

func TestReliableNoAck(t *testing.T) {
	w := &countingWriter{}
	r := NewReliable(staticDirectory{w}, fastReliable())

	err := r.Send(context.Background(), peer, readMsg())
	assert.ErrorIs(t, err, request.ErrNoAck)
	assert.Equal(t, int32(3), w.writes.Load(), "initial send plus two retransmissions")
}

func TestReliableAckStopsRetransmission(t *testing.T) {
	var r *Reliable
	w := &countingWriter{}
	w.onWrite = func(n int32) {
		if n == 2 {
			go r.Ack(11)
		}
	}
	r = NewReliable(staticDirectory{w}, fastReliable())

	require.NoError(t, r.Send(context.Background(), peer, readMsg()))
	assert.Equal(t, int32(2), w.writes.Load())
	assert.False(t, r.Ack(11), "ack after completion is ignored")
}

func TestReliableNotConnected(t *testing.T) {
	r := NewReliable(staticDirectory{}, fastReliable())
	err := r.Send(context.Background(), peer, readMsg())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReliableContextCancelled(t *testing.T) {
	cfg := fastReliable()
	cfg.AckTimeout = time.Minute
	r := NewReliable(staticDirectory{&countingWriter{}}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Send(ctx, peer, readMsg())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// device is the far end of a pipe session.
type device struct {
	conn net.Conn
}

func (d *device) send(t *testing.T, msg *wire.Message) {
	t.Helper()
	data, err := wire.EncodeMessage(msg)
	require.NoError(t, err)
	_, err = d.conn.Write(data)
	require.NoError(t, err)
}

func (d *device) recv(t *testing.T) *wire.Message {
	t.Helper()
	require.NoError(t, d.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, err := d.conn.Read(buf)
	require.NoError(t, err)
	msg, err := wire.DecodeMessage(buf[:n])
	require.NoError(t, err)
	return msg
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []*wire.Message
	fn   func(s *Session, msg *wire.Message) *wire.Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, s *Session, msg *wire.Message) *wire.Message {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(s, msg)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func newPipeListener(t *testing.T, h Handler) (*Listener, *Session, *device) {
	t.Helper()
	l := NewListener(ListenerConfig{
		Handler:  h,
		Reliable: fastReliable(),
		IDs:      ident.NewSeededSource(3),
	})
	t.Cleanup(func() { _ = l.Stop() })

	server, client := net.Pipe()
	s := l.Attach(server, security.Credentials{Mode: security.ModeNone})
	return l, s, &device{conn: client}
}

func TestListenerRepliesToRequests(t *testing.T) {
	h := &recordingHandler{fn: func(s *Session, msg *wire.Message) *wire.Message {
		return wire.NewResponseMessage(msg.MessageID, &wire.Response{Status: wire.StatusCreated, Location: "reg-1"})
	}}
	_, _, dev := newPipeListener(t, h)

	dev.send(t, wire.NewRequestMessage(5, &wire.Request{
		Operation: wire.OpRegister,
		Params:    map[string]string{wire.ParamEndpoint: "dev"},
	}))
	reply := dev.recv(t)
	assert.Equal(t, wire.MessageTypeResponse, reply.Type)
	assert.Equal(t, uint32(5), reply.MessageID)
	assert.Equal(t, "reg-1", reply.Response.Location)
}

func TestListenerAcksNotifications(t *testing.T) {
	h := &recordingHandler{}
	_, _, dev := newPipeListener(t, h)

	dev.send(t, &wire.Message{
		Type:         wire.MessageTypeNotification,
		MessageID:    9,
		Notification: &wire.Notification{Token: []byte{1}, Sequence: 1, Format: wire.FormatText, Payload: []byte("1")},
	})
	ack := dev.recv(t)
	assert.Equal(t, wire.MessageTypeAck, ack.Type)
	assert.Equal(t, uint32(9), ack.MessageID)
	assert.Equal(t, 1, h.count())
}

func TestListenerResponseAcksReliableSend(t *testing.T) {
	got := make(chan *wire.Message, 1)
	h := &recordingHandler{fn: func(_ *Session, msg *wire.Message) *wire.Message {
		if msg.Type == wire.MessageTypeResponse {
			got <- msg
		}
		return nil
	}}
	cfg := fastReliable()
	cfg.AckTimeout = time.Second
	l := NewListener(ListenerConfig{Handler: h, Reliable: cfg})
	t.Cleanup(func() { _ = l.Stop() })
	server, client := net.Pipe()
	s := l.Attach(server, security.Credentials{})
	require.NoError(t, l.Bind(s.ID, "dev"))
	dev := &device{conn: client}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Reliable().Send(context.Background(), request.Peer{Endpoint: "dev"}, readMsg()) }()

	req := dev.recv(t)
	require.Equal(t, wire.MessageTypeRequest, req.Type)
	dev.send(t, wire.NewResponseMessage(req.MessageID, wire.NewResponse(wire.StatusContent)))

	require.NoError(t, <-errCh)
	select {
	case m := <-got:
		assert.Equal(t, wire.StatusContent, m.Response.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered to handler")
	}
}

func TestListenerBindLookupAndDrop(t *testing.T) {
	closed := make(chan string, 1)
	l := NewListener(ListenerConfig{OnSessionClosed: func(s *Session) { closed <- s.Endpoint() }})
	t.Cleanup(func() { _ = l.Stop() })

	server, client := net.Pipe()
	s := l.Attach(server, security.Credentials{})
	assert.Equal(t, 1, l.SessionCount())

	assert.False(t, l.HasSession(request.Peer{Endpoint: "dev"}))
	require.NoError(t, l.Bind(s.ID, "dev"))
	assert.True(t, l.HasSession(request.Peer{Endpoint: "dev"}))
	assert.True(t, l.HasSession(request.Peer{Address: s.RemoteAddr}))
	assert.ErrorIs(t, l.Bind("nope", "dev"), ErrNotConnected)

	require.NoError(t, l.DropSession("dev"))
	select {
	case ep := <-closed:
		assert.Equal(t, "dev", ep)
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}
	assert.False(t, l.HasSession(request.Peer{Endpoint: "dev"}))
	require.Eventually(t, func() bool { return l.SessionCount() == 0 }, time.Second, 5*time.Millisecond)

	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.NoError(t, l.DropSession("dev"), "dropping an unknown endpoint is a no-op")
}

func TestListenerHandshake(t *testing.T) {
	var dialed atomic.Bool
	var far net.Conn
	l := NewListener(ListenerConfig{
		Dial: func(ctx context.Context, p request.Peer) (net.Conn, error) {
			dialed.Store(true)
			server, client := net.Pipe()
			far = client
			return server, nil
		},
	})
	t.Cleanup(func() { _ = l.Stop() })

	p := request.Peer{Endpoint: "dev", Address: "10.0.0.9:5684"}
	require.NoError(t, l.Handshake(context.Background(), p))
	assert.True(t, dialed.Load())
	assert.True(t, l.HasSession(p))
	_ = far

	noDial := NewListener(ListenerConfig{})
	t.Cleanup(func() { _ = noDial.Stop() })
	assert.ErrorIs(t, noDial.Handshake(context.Background(), p), ErrNotConnected)
}

func TestListenerHandshakeDialError(t *testing.T) {
	boom := errors.New("unreachable")
	l := NewListener(ListenerConfig{
		Dial: func(context.Context, request.Peer) (net.Conn, error) { return nil, boom },
	})
	t.Cleanup(func() { _ = l.Stop() })
	assert.ErrorIs(t, l.Handshake(context.Background(), peer), boom)
}

func TestDTLSCredentialsPlainConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	creds, err := DTLSCredentials(a)
	require.NoError(t, err)
	assert.Equal(t, security.ModeNone, creds.Mode)
}

func TestDTLSConfigPSKLookup(t *testing.T) {
	store := security.NewMemoryStore()
	_, err := store.Add(&security.SecurityInfo{
		Endpoint: "dev", Mode: security.ModePSK, PSKIdentity: "id-1", PSKKey: []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)
	mgr := security.NewManager(store, security.Config{})

	cfg := DTLSConfig(mgr, DTLSOptions{IdentityHint: "lwm2m"})
	key, err := cfg.PSK([]byte("id-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, key)

	_, err = cfg.PSK([]byte("unknown"))
	assert.ErrorIs(t, err, security.ErrAuthFailure)
	assert.Equal(t, []byte("lwm2m"), cfg.PSKIdentityHint)
	assert.NoError(t, cfg.VerifyPeerCertificate(nil, nil), "PSK sessions present no chain")
}
