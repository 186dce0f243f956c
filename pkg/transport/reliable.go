package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("transport closed")
)

// DatagramWriter writes one datagram per call.
type DatagramWriter interface {
	Write(p []byte) (int, error)
}

// PeerDirectory resolves a peer to the connection of its current session.
type PeerDirectory interface {
	Lookup(peer request.Peer) (DatagramWriter, bool)
}

// ReliableConfig holds the retransmission parameters.
type ReliableConfig struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	// Jitter returns a value in [0,1). Defaults to math/rand/v2.
	Jitter func() float64
}

// DefaultReliableConfig mirrors request.DefaultConfig.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		AckTimeout:      request.DefaultAckTimeout,
		AckRandomFactor: request.DefaultAckRandomFactor,
		MaxRetransmit:   request.DefaultMaxRetransmit,
	}
}

// Reliable implements request.Transport with CoAP-style confirmable
// delivery.
type Reliable struct {
	config ReliableConfig
	peers  PeerDirectory
	hooks  []func(peer request.Peer, msg *wire.Message)

	mu      sync.Mutex
	waiting map[uint32]chan struct{}
}

// NewReliable creates a reliable sender over peers.
func NewReliable(peers PeerDirectory, config ReliableConfig) *Reliable {
	if config.AckTimeout <= 0 {
		config.AckTimeout = request.DefaultAckTimeout
	}
	if config.AckRandomFactor < 1 {
		config.AckRandomFactor = request.DefaultAckRandomFactor
	}
	if config.MaxRetransmit < 0 {
		config.MaxRetransmit = request.DefaultMaxRetransmit
	}
	if config.Jitter == nil {
		config.Jitter = rand.Float64
	}
	return &Reliable{
		config:  config,
		peers:   peers,
		waiting: make(map[uint32]chan struct{}),
	}
}

// OnSend adds a hook called before the first transmission of a message.
// It is meant for protocol logging and must be set up before use.
func (r *Reliable) OnSend(fn func(peer request.Peer, msg *wire.Message)) {
	r.hooks = append(r.hooks, fn)
}

// Send writes msg and retransmits it until Ack is called for its message
// id, ctx ends, or MaxRetransmit retransmissions went unanswered.
func (r *Reliable) Send(ctx context.Context, peer request.Peer, msg *wire.Message) error {
	conn, ok := r.peers.Lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer.Endpoint)
	}
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}

	acked := make(chan struct{})
	r.mu.Lock()
	r.waiting[msg.MessageID] = acked
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.waiting[msg.MessageID] == acked {
			delete(r.waiting, msg.MessageID)
		}
		r.mu.Unlock()
	}()

	for _, h := range r.hooks {
		h(peer, msg)
	}

	timeout := r.initialTimeout()
	for attempt := 0; ; attempt++ {
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("write to %s: %w", peer.Endpoint, err)
		}

		timer := time.NewTimer(timeout)
		select {
		case <-acked:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if attempt >= r.config.MaxRetransmit {
			return request.ErrNoAck
		}
		timeout *= 2
	}
}

func (r *Reliable) initialTimeout() time.Duration {
	spread := (r.config.AckRandomFactor - 1) * r.config.Jitter()
	return time.Duration(float64(r.config.AckTimeout) * (1 + spread))
}

// Ack marks msgID as acknowledged. It reports whether a send was waiting.
func (r *Reliable) Ack(msgID uint32) bool {
	r.mu.Lock()
	ch, ok := r.waiting[msgID]
	if ok {
		delete(r.waiting, msgID)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}

var _ request.Transport = (*Reliable)(nil)
