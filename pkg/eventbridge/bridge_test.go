package eventbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/presence"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

type published struct {
	topic string
	msg   Message
}

type fakePublisher struct {
	ch  chan published
	err error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan published, 32)}
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	p.ch <- published{topic: topic, msg: m}
	return p.err
}

func (p *fakePublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case got := <-p.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return published{}
	}
}

func TestRegistrationEvents(t *testing.T) {
	regs := registration.NewStore()
	t.Cleanup(regs.Close)
	pub := newFakePublisher()
	b := New(pub, Config{Prefix: "fleet/"})
	t.Cleanup(b.Close)
	require.NoError(t, b.Attach(regs, nil, nil))

	reg, err := regs.Register(registration.RegisterParams{
		Endpoint: "meter-1",
		Lifetime: 5 * time.Minute,
		Binding:  registration.Binding("UQ"),
		Address:  "192.0.2.7:5683",
	})
	require.NoError(t, err)

	got := pub.next(t)
	assert.Equal(t, "fleet/meter-1/registered", got.topic)
	assert.Equal(t, EventRegistered, got.msg.Event)
	assert.Equal(t, reg.ID, got.msg.RegistrationID)
	assert.Equal(t, int64(300), got.msg.Lifetime)
	assert.Equal(t, "UQ", got.msg.Binding)
	assert.Equal(t, "192.0.2.7:5683", got.msg.Address)

	lt := time.Minute
	_, err = regs.Update(reg.ID, registration.Update{Lifetime: &lt})
	require.NoError(t, err)
	got = pub.next(t)
	assert.Equal(t, "fleet/meter-1/updated", got.topic)
	assert.Equal(t, int64(60), got.msg.Lifetime)

	_, err = regs.Deregister(reg.ID)
	require.NoError(t, err)
	got = pub.next(t)
	assert.Equal(t, "fleet/meter-1/deregistered", got.topic)
	assert.Equal(t, "explicit", got.msg.Reason)
}

func TestPresenceEvents(t *testing.T) {
	cfg := presence.DefaultConfig()
	cfg.AwakeDuration = 50 * time.Millisecond
	tr := presence.NewTrackerWithConfig(cfg)
	t.Cleanup(tr.Close)
	pub := newFakePublisher()
	b := New(pub, Config{})
	t.Cleanup(b.Close)
	require.NoError(t, b.Attach(nil, tr, nil))

	tr.Track(&registration.Registration{ID: "r1", Endpoint: "sleepy", Binding: registration.Binding("UQ")})

	got := pub.next(t)
	assert.Equal(t, "lwm2m/sleepy/awake", got.topic)
	assert.Equal(t, "r1", got.msg.RegistrationID)
	got = pub.next(t)
	assert.Equal(t, "lwm2m/sleepy/sleeping", got.topic)
}

func TestObservationEvents(t *testing.T) {
	regs := registration.NewStore()
	t.Cleanup(regs.Close)
	obs := observation.NewManager()
	t.Cleanup(obs.Close)
	pub := newFakePublisher()
	b := New(pub, Config{})
	t.Cleanup(b.Close)
	require.NoError(t, b.Attach(regs, nil, obs))

	reg, err := regs.Register(registration.RegisterParams{Endpoint: "probe", Lifetime: time.Minute})
	require.NoError(t, err)
	pub.next(t)

	p := wire.NewPath(3303, 0, 5700)
	_, _, err = obs.Add(reg.ID, p, []byte{7}, wire.FormatCBOR)
	require.NoError(t, err)
	got := pub.next(t)
	assert.Equal(t, "lwm2m/probe/observe-added", got.topic)
	assert.Equal(t, "/3303/0/5700", got.msg.Path)

	_, err = obs.CancelByPath(reg.ID, p)
	require.NoError(t, err)
	got = pub.next(t)
	assert.Equal(t, "lwm2m/probe/observe-cancelled", got.topic)
	assert.Equal(t, "passive", got.msg.Reason)
}

func TestObservationEventUnknownRegistrationUsesID(t *testing.T) {
	obs := observation.NewManager()
	t.Cleanup(obs.Close)
	pub := newFakePublisher()
	b := New(pub, Config{})
	t.Cleanup(b.Close)
	require.NoError(t, b.Attach(nil, nil, obs))

	_, _, err := obs.Add("reg-9", wire.NewPath(3, 0, 9), []byte{1}, wire.FormatCBOR)
	require.NoError(t, err)
	assert.Equal(t, "lwm2m/reg-9/observe-added", pub.next(t).topic)
}

func TestPublishErrorDoesNotStopBridge(t *testing.T) {
	regs := registration.NewStore()
	t.Cleanup(regs.Close)
	pub := newFakePublisher()
	pub.err = errors.New("broker down")
	b := New(pub, Config{})
	t.Cleanup(b.Close)
	require.NoError(t, b.Attach(regs, nil, nil))

	_, err := regs.Register(registration.RegisterParams{Endpoint: "a", Lifetime: time.Minute})
	require.NoError(t, err)
	_, err = regs.Register(registration.RegisterParams{Endpoint: "b", Lifetime: time.Minute})
	require.NoError(t, err)
	pub.next(t)
	pub.next(t)
}

func TestAttachAfterClose(t *testing.T) {
	b := New(newFakePublisher(), Config{})
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Attach(nil, nil, nil), ErrClosed)
}

func TestDialMQTTValidation(t *testing.T) {
	_, err := DialMQTT(MQTTConfig{})
	assert.ErrorIs(t, err, ErrConnectionFailed)

	_, err = DialMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1", QoS: 3})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}
