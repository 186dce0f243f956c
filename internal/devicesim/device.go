// Package devicesim emulates a managed device for tests: an in-memory
// object tree that answers wire requests, emits notifications for observed
// paths and applies bootstrap semantics.
package devicesim

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Object ids populated by New.
const (
	ObjectSecurity uint16 = 0
	ObjectServer   uint16 = 1
	ObjectACL      uint16 = 2
	ObjectDevice   uint16 = 3
)

// Security object resources used by the bootstrap rules.
const (
	ResourceServerURI       uint16 = 0
	ResourceBootstrapServer uint16 = 1
	ResourceSecurityMode    uint16 = 2
)

var errNotFound = errors.New("not found")

// Config configures a Device.
type Config struct {
	Endpoint string

	// BootstrapURI is the server URI of the bootstrap security instance.
	BootstrapURI string

	// Codecs defaults to codec.DefaultRegistry.
	Codecs *codec.Registry
}

type observed struct {
	token  []byte
	format wire.ContentFormat
	seq    uint32
}

// Device is an emulated device.
type Device struct {
	config Config
	codecs *codec.Registry

	mu        sync.Mutex
	values    map[wire.Path]codec.Value
	instances map[wire.Path]bool
	observes  map[wire.Path]*observed
	executed  []wire.Path
	ops       []wire.Operation
	notify    func(*wire.Notification)

	finishOnce sync.Once
	finished   chan struct{}
}

// New creates a device with a bootstrap security instance, one server
// instance and the device object.
func New(config Config) *Device {
	if config.Codecs == nil {
		config.Codecs = codec.DefaultRegistry()
	}
	if config.BootstrapURI == "" {
		config.BootstrapURI = "coaps://bootstrap.invalid:5684"
	}
	d := &Device{
		config:    config,
		codecs:    config.Codecs,
		values:    make(map[wire.Path]codec.Value),
		instances: make(map[wire.Path]bool),
		observes:  make(map[wire.Path]*observed),
		finished:  make(chan struct{}),
	}

	d.seed(wire.NewPath(ObjectSecurity, 0, ResourceServerURI), codec.StringValue(config.BootstrapURI))
	d.seed(wire.NewPath(ObjectSecurity, 0, ResourceBootstrapServer), codec.BoolValue(true))
	d.seed(wire.NewPath(ObjectSecurity, 0, ResourceSecurityMode), codec.IntValue(3))

	d.seed(wire.NewPath(ObjectServer, 0, 0), codec.IntValue(101))
	d.seed(wire.NewPath(ObjectServer, 0, 1), codec.IntValue(300))
	d.seed(wire.NewPath(ObjectServer, 0, 7), codec.StringValue("U"))

	d.seed(wire.NewPath(ObjectDevice, 0, 0), codec.StringValue("lwm2m-go"))
	d.seed(wire.NewPath(ObjectDevice, 0, 1), codec.StringValue("devicesim"))
	d.seed(wire.NewPath(ObjectDevice, 0, 2), codec.StringValue(config.Endpoint))
	d.seed(wire.NewPath(ObjectDevice, 0, 3), codec.StringValue("1.0"))
	d.seed(wire.NewPath(ObjectDevice, 0, 9), codec.IntValue(100))
	return d
}

func (d *Device) seed(p wire.Path, v codec.Value) {
	d.values[p] = v
	d.instances[instanceOf(p)] = true
}

// Endpoint returns the endpoint name.
func (d *Device) Endpoint() string { return d.config.Endpoint }

// OnNotify sets the function that delivers notifications.
func (d *Device) OnNotify(fn func(*wire.Notification)) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// Get returns the value at a resource path.
func (d *Device) Get(p wire.Path) (codec.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[p]
	return v, ok
}

// Set writes a resource locally, as the device's own firmware would, and
// notifies observers.
func (d *Device) Set(p wire.Path, v codec.Value) {
	d.mu.Lock()
	d.values[p] = v
	d.instances[instanceOf(p)] = true
	pending := d.changedLocked([]wire.Path{p})
	notify := d.notify
	d.mu.Unlock()
	deliver(notify, pending)
}

// Instances lists the instance paths of an object in id order.
func (d *Device) Instances(object uint16) []wire.Path {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []wire.Path
	for p := range d.instances {
		if id, _ := p.ObjectID(); id == object {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, comparePaths)
	return out
}

// Links returns the registration payload: every instance outside the
// security object.
func (d *Device) Links() []wire.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	var paths []wire.Path
	for p := range d.instances {
		if id, _ := p.ObjectID(); id != ObjectSecurity {
			paths = append(paths, p)
		}
	}
	slices.SortFunc(paths, comparePaths)
	links := make([]wire.Link, len(paths))
	for i, p := range paths {
		links[i] = wire.Link{Target: p.String()}
	}
	return links
}

// Observed returns the observed paths.
func (d *Device) Observed() []wire.Path {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.Path, 0, len(d.observes))
	for p := range d.observes {
		out = append(out, p)
	}
	slices.SortFunc(out, comparePaths)
	return out
}

// Executed returns the executed resources in order.
func (d *Device) Executed() []wire.Path {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.executed)
}

// Operations returns the operations handled so far.
func (d *Device) Operations() []wire.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.ops)
}

// BootstrapFinished is closed when a bootstrap finish arrives.
func (d *Device) BootstrapFinished() <-chan struct{} { return d.finished }

// HandleRequest answers a downlink request. Notifications caused by a
// write are delivered before it returns.
func (d *Device) HandleRequest(req *wire.Request) *wire.Response {
	p, err := req.TargetPath()
	if err != nil {
		return wire.NewResponse(wire.StatusBadRequest)
	}

	d.mu.Lock()
	d.ops = append(d.ops, req.Operation)
	var (
		resp    *wire.Response
		changed []wire.Path
	)
	switch req.Operation {
	case wire.OpRead:
		resp = d.readLocked(p, req.Format)
	case wire.OpDiscover:
		resp = d.discoverLocked(p)
	case wire.OpWriteReplace, wire.OpWriteUpdate:
		resp, changed = d.writeLocked(p, req, req.Operation == wire.OpWriteReplace)
	case wire.OpCreate:
		resp, changed = d.createLocked(p, req)
	case wire.OpDelete:
		resp, changed = d.deleteLocked(p)
	case wire.OpExecute:
		resp = d.executeLocked(p)
	case wire.OpObserve:
		resp = d.observeLocked(p, req)
	case wire.OpCancelObserve:
		resp = d.cancelObserveLocked(p, req)
	case wire.OpBootstrapDelete:
		resp = d.bootstrapDeleteLocked(p)
	case wire.OpBootstrapWrite:
		resp = d.bootstrapWriteLocked(p, req)
	case wire.OpBootstrapFinish:
		d.finishOnce.Do(func() { close(d.finished) })
		resp = wire.NewResponse(wire.StatusChanged)
	default:
		resp = wire.NewResponse(wire.StatusMethodNotAllowed)
	}
	pending := d.changedLocked(changed)
	notify := d.notify
	d.mu.Unlock()

	deliver(notify, pending)
	return resp
}

func (d *Device) readLocked(p wire.Path, format wire.ContentFormat) *wire.Response {
	node, err := d.nodeLocked(p)
	if err != nil {
		return wire.NewResponse(wire.StatusNotFound)
	}
	payload, err := d.codecs.Encode(format, node)
	if err != nil {
		return wire.NewResponse(wire.StatusNotAcceptable)
	}
	return &wire.Response{Status: wire.StatusContent, Format: format, Payload: payload}
}

func (d *Device) nodeLocked(p wire.Path) (codec.Node, error) {
	node := codec.Node{Path: p}
	for _, rp := range d.sortedLocked() {
		if rp.StartsWith(p) {
			node.Records = append(node.Records, codec.Record{Path: rp, Value: d.values[rp]})
		}
	}
	if len(node.Records) == 0 {
		return node, fmt.Errorf("%w: %s", errNotFound, p)
	}
	return node, nil
}

func (d *Device) sortedLocked() []wire.Path {
	paths := make([]wire.Path, 0, len(d.values))
	for p := range d.values {
		paths = append(paths, p)
	}
	slices.SortFunc(paths, comparePaths)
	return paths
}

func (d *Device) discoverLocked(p wire.Path) *wire.Response {
	var links []wire.Link
	for ip := range d.instances {
		if ip.StartsWith(p) {
			links = append(links, wire.Link{Target: ip.String()})
		}
	}
	for _, rp := range d.sortedLocked() {
		if rp.StartsWith(p) {
			links = append(links, wire.Link{Target: rp.String()})
		}
	}
	if len(links) == 0 {
		return wire.NewResponse(wire.StatusNotFound)
	}
	slices.SortFunc(links, func(a, b wire.Link) int { return strings.Compare(a.Target, b.Target) })
	return &wire.Response{
		Status:  wire.StatusContent,
		Format:  wire.FormatLinkFormat,
		Payload: []byte(wire.FormatLinks(links)),
	}
}

func (d *Device) writeLocked(p wire.Path, req *wire.Request, replace bool) (*wire.Response, []wire.Path) {
	if p.Depth() < 2 || !d.instances[instanceOf(p)] {
		return wire.NewResponse(wire.StatusNotFound), nil
	}
	node, err := d.codecs.Decode(req.Format, req.Payload, p)
	if err != nil {
		if codec.IsCodecError(err) && errors.Is(err, codec.ErrUnsupportedFormat) {
			return wire.NewResponse(wire.StatusUnsupportedContentFormat), nil
		}
		return wire.NewResponse(wire.StatusBadRequest), nil
	}
	if replace && p.IsObjectInstance() {
		for rp := range d.values {
			if rp.StartsWith(p) {
				delete(d.values, rp)
			}
		}
	}
	changed := make([]wire.Path, 0, len(node.Records))
	for _, r := range node.Records {
		if !r.Path.StartsWith(p) || r.Path.Depth() < 3 {
			return wire.NewResponse(wire.StatusBadRequest), nil
		}
		d.values[r.Path] = r.Value
		changed = append(changed, r.Path)
	}
	return wire.NewResponse(wire.StatusChanged), changed
}

func (d *Device) createLocked(p wire.Path, req *wire.Request) (*wire.Response, []wire.Path) {
	if !p.IsObject() {
		return wire.NewResponse(wire.StatusBadRequest), nil
	}
	node, err := d.codecs.Decode(req.Format, req.Payload, p)
	if err != nil {
		return wire.NewResponse(wire.StatusBadRequest), nil
	}

	var inst wire.Path
	if len(node.Records) > 0 {
		inst = instanceOf(node.Records[0].Path)
	} else {
		inst = d.nextInstanceLocked(p)
	}
	if d.instances[inst] {
		return wire.NewResponse(wire.StatusBadRequest), nil
	}
	changed := []wire.Path{inst}
	for _, r := range node.Records {
		if instanceOf(r.Path) != inst || r.Path.Depth() < 3 {
			return wire.NewResponse(wire.StatusBadRequest), nil
		}
	}
	for _, r := range node.Records {
		d.values[r.Path] = r.Value
	}
	d.instances[inst] = true
	return &wire.Response{Status: wire.StatusCreated, Location: inst.String()}, changed
}

func (d *Device) nextInstanceLocked(object wire.Path) wire.Path {
	obj, _ := object.ObjectID()
	for id := uint16(0); ; id++ {
		p := wire.NewPath(obj, id)
		if !d.instances[p] {
			return p
		}
	}
}

func (d *Device) deleteLocked(p wire.Path) (*wire.Response, []wire.Path) {
	if !p.IsObjectInstance() {
		return wire.NewResponse(wire.StatusMethodNotAllowed), nil
	}
	if !d.instances[p] {
		return wire.NewResponse(wire.StatusNotFound), nil
	}
	if obj, _ := p.ObjectID(); obj == ObjectSecurity || obj == ObjectDevice {
		return wire.NewResponse(wire.StatusMethodNotAllowed), nil
	}
	d.removeInstanceLocked(p)
	return wire.NewResponse(wire.StatusDeleted), []wire.Path{p}
}

func (d *Device) removeInstanceLocked(p wire.Path) {
	delete(d.instances, p)
	for rp := range d.values {
		if rp.StartsWith(p) {
			delete(d.values, rp)
		}
	}
}

func (d *Device) executeLocked(p wire.Path) *wire.Response {
	if !p.IsResource() {
		return wire.NewResponse(wire.StatusMethodNotAllowed)
	}
	if !d.instances[instanceOf(p)] {
		return wire.NewResponse(wire.StatusNotFound)
	}
	d.executed = append(d.executed, p)
	return wire.NewResponse(wire.StatusChanged)
}

func (d *Device) observeLocked(p wire.Path, req *wire.Request) *wire.Response {
	resp := d.readLocked(p, req.Format)
	if !resp.IsSuccess() {
		return resp
	}
	d.observes[p] = &observed{token: slices.Clone(req.Token), format: req.Format}
	return resp
}

func (d *Device) cancelObserveLocked(p wire.Path, req *wire.Request) *wire.Response {
	if o, ok := d.observes[p]; ok && string(o.token) == string(req.Token) {
		delete(d.observes, p)
	}
	return d.readLocked(p, req.Format)
}

// bootstrapDeleteLocked removes instances below p. The device object and
// the bootstrap server's security instance always survive.
func (d *Device) bootstrapDeleteLocked(p wire.Path) *wire.Response {
	if p.Depth() > 2 {
		return wire.NewResponse(wire.StatusBadRequest)
	}
	for inst := range d.instances {
		if !inst.StartsWith(p) || d.protectedLocked(inst) {
			continue
		}
		d.removeInstanceLocked(inst)
	}
	return wire.NewResponse(wire.StatusDeleted)
}

func (d *Device) protectedLocked(inst wire.Path) bool {
	obj, _ := inst.ObjectID()
	switch obj {
	case ObjectDevice:
		return true
	case ObjectSecurity:
		v, ok := d.values[appendID(inst, ResourceBootstrapServer)]
		if !ok {
			return false
		}
		b, _ := v.Bool()
		return b
	}
	return false
}

func (d *Device) bootstrapWriteLocked(p wire.Path, req *wire.Request) *wire.Response {
	if p.Depth() < 1 || p.Depth() > 2 {
		return wire.NewResponse(wire.StatusBadRequest)
	}
	node, err := d.codecs.Decode(req.Format, req.Payload, p)
	if err != nil {
		return wire.NewResponse(wire.StatusBadRequest)
	}
	for _, r := range node.Records {
		if r.Path.Depth() < 3 || !r.Path.StartsWith(p) {
			return wire.NewResponse(wire.StatusBadRequest)
		}
	}
	for _, r := range node.Records {
		inst := instanceOf(r.Path)
		d.values[r.Path] = r.Value
		d.instances[inst] = true
	}
	return wire.NewResponse(wire.StatusChanged)
}

// changedLocked builds a notification for every observation affected by a
// change at one of the paths.
func (d *Device) changedLocked(changed []wire.Path) []*wire.Notification {
	var out []*wire.Notification
	for op, o := range d.observes {
		hit := false
		for _, c := range changed {
			if c.StartsWith(op) || op.StartsWith(c) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		node, err := d.nodeLocked(op)
		if err != nil {
			continue
		}
		payload, err := d.codecs.Encode(o.format, node)
		if err != nil {
			continue
		}
		o.seq++
		out = append(out, &wire.Notification{
			Token:    slices.Clone(o.token),
			Sequence: o.seq,
			Format:   o.format,
			Payload:  payload,
		})
	}
	return out
}

func deliver(notify func(*wire.Notification), pending []*wire.Notification) {
	if notify == nil {
		return
	}
	for _, n := range pending {
		notify(n)
	}
}

func instanceOf(p wire.Path) wire.Path {
	obj, _ := p.ObjectID()
	inst, _ := p.InstanceID()
	return wire.NewPath(obj, inst)
}

func appendID(p wire.Path, id uint16) wire.Path {
	out, err := p.Append(id)
	if err != nil {
		return p
	}
	return out
}

func comparePaths(a, b wire.Path) int {
	for i := 0; i < a.Depth() && i < b.Depth(); i++ {
		x, _ := a.Segment(i)
		y, _ := b.Segment(i)
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return a.Depth() - b.Depth()
}
