package registration

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Binding is the transport binding mode announced by the device.
type Binding string

const (
	// BindingUDP is a continuously reachable device.
	BindingUDP Binding = "U"

	// BindingQueue is a device in queue mode.
	BindingQueue Binding = "UQ"
)

// ParseBinding validates a binding string. Empty means BindingUDP.
func ParseBinding(s string) (Binding, error) {
	switch s {
	case "":
		return BindingUDP, nil
	case "U", "UQ", "S", "SQ", "US", "UQS":
		return Binding(s), nil
	}
	return "", fmt.Errorf("%w: binding %q", ErrInvalidParams, s)
}

// IsQueueMode reports whether the device sleeps between exchanges.
func (b Binding) IsQueueMode() bool {
	return strings.Contains(string(b), "Q")
}

// Registration is a live device registration.
type Registration struct {
	ID       string
	Endpoint string
	Lifetime time.Duration
	Binding  Binding
	Links    []wire.Link
	Address  string

	// Attributes are free-form registration parameters.
	Attributes map[string]string

	LwM2MVersion string

	// SessionID names the secure session the device registered over.
	SessionID string

	// Identity is the PSK identity or certificate name of the session.
	Identity string

	// Version increases with every accepted update.
	Version uint64

	RegisteredAt time.Time
	LastUpdate   time.Time
}

// ExpiresAt returns when the registration lapses without an update.
func (r *Registration) ExpiresAt() time.Time {
	return r.LastUpdate.Add(r.Lifetime)
}

// IsExpired reports whether the lifetime elapsed at now.
func (r *Registration) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// IsQueueMode reports whether the registration uses queue mode.
func (r *Registration) IsQueueMode() bool {
	return r.Binding.IsQueueMode()
}

// ObjectPaths returns the object and instance paths from the link list.
func (r *Registration) ObjectPaths() []wire.Path {
	return wire.ObjectLinks(r.Links)
}

// Clone returns a deep copy.
func (r *Registration) Clone() *Registration {
	if r == nil {
		return nil
	}
	c := *r
	c.Links = make([]wire.Link, len(r.Links))
	for i, l := range r.Links {
		c.Links[i] = wire.Link{Target: l.Target, Attributes: maps.Clone(l.Attributes)}
	}
	c.Attributes = maps.Clone(r.Attributes)
	return &c
}

// RegisterParams are the inputs of a register request.
type RegisterParams struct {
	Endpoint     string
	Lifetime     time.Duration
	Binding      Binding
	Links        []wire.Link
	Attributes   map[string]string
	Address      string
	LwM2MVersion string
	SessionID    string
	Identity     string
}

// Update is a partial change. Nil fields are left untouched; Attributes
// are merged key by key.
type Update struct {
	Lifetime   *time.Duration
	Binding    *Binding
	Links      []wire.Link
	Address    *string
	Attributes map[string]string
	SessionID  *string
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return u.Lifetime == nil && u.Binding == nil && u.Links == nil &&
		u.Address == nil && len(u.Attributes) == 0 && u.SessionID == nil
}

func (u Update) apply(r *Registration) {
	if u.Lifetime != nil {
		r.Lifetime = *u.Lifetime
	}
	if u.Binding != nil {
		r.Binding = *u.Binding
	}
	if u.Links != nil {
		r.Links = slices.Clone(u.Links)
	}
	if u.Address != nil {
		r.Address = *u.Address
	}
	if u.SessionID != nil {
		r.SessionID = *u.SessionID
	}
	if len(u.Attributes) > 0 {
		if r.Attributes == nil {
			r.Attributes = make(map[string]string, len(u.Attributes))
		}
		maps.Copy(r.Attributes, u.Attributes)
	}
}
