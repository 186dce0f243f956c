package log

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

var ts = time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)

func requestEvent() Event {
	msg := wire.NewRequestMessage(7, &wire.Request{
		Operation: wire.OpObserve,
		Path:      "/3/0/9",
		Token:     []byte{1, 2},
	})
	return Event{
		Timestamp:      ts,
		SessionID:      "sess-1",
		Direction:      DirectionOut,
		Layer:          LayerWire,
		Category:       CategoryMessage,
		RemoteAddr:     "10.0.0.1:5684",
		Endpoint:       "dev-1",
		RegistrationID: "reg-1",
		Message:        NewMessageEvent(msg),
	}
}

func TestEventRoundTrip(t *testing.T) {
	orig := requestEvent()
	data, err := EncodeEvent(orig)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.True(t, orig.Timestamp.Equal(got.Timestamp), "nanosecond timestamps survive")
	assert.Equal(t, "dev-1", got.Endpoint)
	require.NotNil(t, got.Message)
	assert.Equal(t, wire.MessageTypeRequest, got.Message.Type)
	assert.Equal(t, uint32(7), got.Message.MessageID)
	require.NotNil(t, got.Message.Operation)
	assert.Equal(t, wire.OpObserve, *got.Message.Operation)
	assert.Equal(t, "/3/0/9", got.Message.Path)
	assert.Equal(t, []byte{1, 2}, got.Message.Token)
}

func TestNewMessageEvent(t *testing.T) {
	resp := NewMessageEvent(wire.NewResponseMessage(3, &wire.Response{
		Status: wire.StatusContent, Format: wire.FormatText, Payload: []byte("42"),
	}))
	require.NotNil(t, resp.Status)
	assert.Equal(t, wire.StatusContent, *resp.Status)
	assert.Equal(t, 2, resp.PayloadSize)

	n := NewMessageEvent(&wire.Message{
		Type:         wire.MessageTypeNotification,
		Notification: &wire.Notification{Token: []byte{9}, Sequence: 4, Format: wire.FormatCBOR, Payload: []byte{0x80}},
	})
	require.NotNil(t, n.Sequence)
	assert.Equal(t, uint32(4), *n.Sequence)
	assert.Equal(t, wire.FormatCBOR, *n.Format)

	ack := NewMessageEvent(wire.NewAck(5))
	assert.Nil(t, ack.Operation)
	assert.Nil(t, ack.Status)
}

func TestNewDatagramEventTruncates(t *testing.T) {
	small := NewDatagramEvent([]byte{1, 2, 3})
	assert.False(t, small.Truncated)
	assert.Equal(t, 3, small.Size)

	big := NewDatagramEvent(make([]byte, MaxLogDatagramSize+10))
	assert.True(t, big.Truncated)
	assert.Len(t, big.Data, MaxLogDatagramSize)
	assert.Equal(t, MaxLogDatagramSize+10, big.Size)
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.plog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	fl.Log(requestEvent())
	fl.Log(Event{
		Timestamp: ts.Add(time.Second),
		Layer:     LayerEngine,
		Category:  CategoryState,
		Endpoint:  "dev-2",
		StateChange: &StateChangeEvent{
			Entity: StateEntityPresence, OldState: "AWAKE", NewState: "SLEEPING",
		},
	})
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())
	fl.Log(requestEvent()) // ignored after close

	r, err := NewReader(path)
	require.NoError(t, err)
	var all []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		all = append(all, ev)
	}
	require.NoError(t, r.Close())
	require.Len(t, all, 2)

	cat := CategoryState
	fr, err := NewFilteredReader(path, Filter{Category: &cat, Endpoint: "dev-2"})
	require.NoError(t, err)
	defer fr.Close()
	ev, err := fr.Next()
	require.NoError(t, err)
	require.NotNil(t, ev.StateChange)
	assert.Equal(t, "SLEEPING", ev.StateChange.NewState)
	_, err = fr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFilterMatches(t *testing.T) {
	ev := requestEvent()
	out := DirectionOut
	in := DirectionIn
	start := ts.Add(-time.Minute)
	end := ts

	assert.True(t, (&Filter{}).matches(ev))
	assert.True(t, (&Filter{SessionID: "sess-1", Direction: &out, RegistrationID: "reg-1"}).matches(ev))
	assert.False(t, (&Filter{Direction: &in}).matches(ev))
	assert.False(t, (&Filter{TimeStart: &start, TimeEnd: &end}).matches(ev), "end is exclusive")
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewSlogAdapter(logger).Log(requestEvent())
	out := buf.String()
	assert.Contains(t, out, "operation=Observe")
	assert.Contains(t, out, "path=/3/0/9")
	assert.Contains(t, out, "token=0102")
	assert.Contains(t, out, "endpoint=dev-1")
}

type captureLogger struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureLogger) Log(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func TestMultiLogger(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := NewMultiLogger(a, nil, b, NoopLogger{})
	m.Log(requestEvent())
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}
