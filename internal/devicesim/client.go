package devicesim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Client errors.
var (
	ErrClosed        = errors.New("client closed")
	ErrRejected      = errors.New("server rejected request")
	ErrNotRegistered = errors.New("client not registered")
)

// maxDatagram bounds a single read.
const maxDatagram = 65507

// Client connects a Device to a server over a datagram connection. It
// answers downlink requests with the device and sends uplink requests on
// behalf of it.
type Client struct {
	dev  *Device
	conn net.Conn

	nextID atomic.Uint32

	mu      sync.Mutex
	waiting map[uint32]chan *wire.Response
	answers map[uint32]*wire.Message // replies by request id, for retransmissions
	regID   string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient starts serving dev over conn.
func NewClient(dev *Device, conn net.Conn) *Client {
	c := &Client{
		dev:     dev,
		conn:    conn,
		waiting: make(map[uint32]chan *wire.Response),
		answers: make(map[uint32]*wire.Message),
		done:    make(chan struct{}),
	}
	c.nextID.Store(1 << 20)
	dev.OnNotify(c.sendNotification)
	go c.readLoop()
	return c
}

// Device returns the emulated device.
func (c *Client) Device() *Device { return c.dev }

// RegistrationID returns the id assigned by the last successful Register.
func (c *Client) RegistrationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regID
}

// Register registers the device. binding "" means plain UDP.
func (c *Client) Register(ctx context.Context, lifetime time.Duration, binding string) (string, error) {
	params := map[string]string{
		wire.ParamEndpoint: c.dev.Endpoint(),
		wire.ParamVersion:  "1.1",
	}
	if lifetime > 0 {
		params[wire.ParamLifetime] = strconv.Itoa(int(lifetime / time.Second))
	}
	if binding != "" {
		params[wire.ParamBinding] = binding
	}
	resp, err := c.request(ctx, &wire.Request{
		Operation: wire.OpRegister,
		Params:    params,
		Format:    wire.FormatLinkFormat,
		Payload:   []byte(wire.FormatLinks(c.dev.Links())),
	})
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusCreated {
		return "", fmt.Errorf("%w: register answered %s", ErrRejected, resp.Status)
	}
	c.mu.Lock()
	c.regID = resp.Location
	c.mu.Unlock()
	return resp.Location, nil
}

// Update refreshes the registration with optional parameters.
func (c *Client) Update(ctx context.Context, params map[string]string) error {
	id := c.RegistrationID()
	if id == "" {
		return ErrNotRegistered
	}
	resp, err := c.request(ctx, &wire.Request{Operation: wire.OpUpdate, RegistrationID: id, Params: params})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusChanged {
		return fmt.Errorf("%w: update answered %s", ErrRejected, resp.Status)
	}
	return nil
}

// Deregister removes the registration.
func (c *Client) Deregister(ctx context.Context) error {
	id := c.RegistrationID()
	if id == "" {
		return ErrNotRegistered
	}
	resp, err := c.request(ctx, &wire.Request{Operation: wire.OpDeregister, RegistrationID: id})
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusDeleted {
		return fmt.Errorf("%w: deregister answered %s", ErrRejected, resp.Status)
	}
	c.mu.Lock()
	c.regID = ""
	c.mu.Unlock()
	return nil
}

// RequestBootstrap asks for configuration. The server's writes arrive
// afterwards; wait on Device().BootstrapFinished().
func (c *Client) RequestBootstrap(ctx context.Context) error {
	resp, err := c.request(ctx, &wire.Request{
		Operation: wire.OpBootstrapRequest,
		Params:    map[string]string{wire.ParamEndpoint: c.dev.Endpoint()},
	})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: bootstrap request answered %s", ErrRejected, resp.Status)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) request(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	c.waiting[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}()

	if err := c.write(wire.NewRequestMessage(id, req)); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *wire.Message) {
	switch msg.Type {
	case wire.MessageTypeRequest:
		c.mu.Lock()
		reply, seen := c.answers[msg.MessageID]
		c.mu.Unlock()
		if !seen {
			reply = wire.NewResponseMessage(msg.MessageID, c.dev.HandleRequest(msg.Request))
			c.mu.Lock()
			c.answers[msg.MessageID] = reply
			c.mu.Unlock()
		}
		_ = c.write(reply)

	case wire.MessageTypeResponse:
		c.mu.Lock()
		ch, ok := c.waiting[msg.MessageID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- msg.Response:
			default:
			}
		}
	}
}

func (c *Client) sendNotification(n *wire.Notification) {
	msg := &wire.Message{
		Type:         wire.MessageTypeNotification,
		MessageID:    c.nextID.Add(1),
		Notification: n,
	}
	_ = c.write(msg)
}

func (c *Client) write(msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}
