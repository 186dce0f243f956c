package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/bootstrap"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/transport"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Query parameters that are not copied into Registration.Attributes.
var knownParams = map[string]bool{
	wire.ParamEndpoint: true,
	wire.ParamLifetime: true,
	wire.ParamBinding:  true,
	wire.ParamVersion:  true,
	wire.ParamQueue:    true,
}

// HandleMessage routes one inbound message. Requests are answered with a
// response; notifications and responses produce no reply of their own.
func (s *Server) HandleMessage(ctx context.Context, sess *transport.Session, msg *wire.Message) *wire.Message {
	in := InboundFrom(sess)
	switch msg.Type {
	case wire.MessageTypeRequest:
		return wire.NewResponseMessage(msg.MessageID, s.HandleRequest(ctx, in, msg.Request))
	case wire.MessageTypeNotification:
		s.HandleNotification(in, msg.Notification)
	case wire.MessageTypeResponse:
		if err := s.HandleResponse(in, msg.MessageID, msg.Response); err != nil {
			s.debugLog("response dropped", "session", in.SessionID, "msgId", msg.MessageID, "error", err)
		}
	}
	return nil
}

// HandleRequest answers an uplink request.
func (s *Server) HandleRequest(ctx context.Context, in Inbound, req *wire.Request) *wire.Response {
	if req == nil {
		return wire.NewResponse(wire.StatusBadRequest)
	}
	switch req.Operation {
	case wire.OpRegister:
		return s.HandleRegister(ctx, in, req)
	case wire.OpUpdate:
		return s.HandleUpdate(ctx, in, req)
	case wire.OpDeregister:
		return s.HandleDeregister(ctx, in, req)
	case wire.OpBootstrapRequest:
		return s.HandleBootstrapRequest(ctx, in, req)
	default:
		return wire.NewResponse(wire.StatusMethodNotAllowed)
	}
}

// HandleRegister creates a registration. The session must be authorized
// for the endpoint it names. A previous registration of the endpoint is
// replaced and torn down.
func (s *Server) HandleRegister(_ context.Context, in Inbound, req *wire.Request) *wire.Response {
	endpoint := req.Params[wire.ParamEndpoint]
	if endpoint == "" {
		return wire.NewResponse(wire.StatusBadRequest)
	}
	if status, ok := s.authorize(endpoint, in); !ok {
		return wire.NewResponse(status)
	}

	lifetime, binding, err := registrationTimings(req)
	if err != nil {
		s.debugLog("bad register", "endpoint", endpoint, "error", err)
		return wire.NewResponse(wire.StatusBadRequest)
	}
	links, err := wire.ParseLinks(string(req.Payload))
	if err != nil {
		s.debugLog("bad register links", "endpoint", endpoint, "error", err)
		return wire.NewResponse(wire.StatusBadRequest)
	}

	reg, err := s.registrations.Register(registration.RegisterParams{
		Endpoint:     endpoint,
		Lifetime:     lifetime,
		Binding:      binding,
		Links:        links,
		Attributes:   extraParams(req.Params),
		Address:      in.RemoteAddr,
		LwM2MVersion: req.Params[wire.ParamVersion],
		SessionID:    in.SessionID,
		Identity:     in.Credentials.PSKIdentity,
	})
	if err != nil {
		return wire.NewResponse(storeStatus(err))
	}

	s.bindSession(in.SessionID, endpoint)
	s.presence.Track(reg)
	return &wire.Response{Status: wire.StatusCreated, Location: reg.ID}
}

// HandleUpdate refreshes a registration. Lifetime, binding, links and
// attributes change only when the request carries them; the address and
// session follow the sending peer.
func (s *Server) HandleUpdate(_ context.Context, in Inbound, req *wire.Request) *wire.Response {
	reg, err := s.registrations.Get(req.RegistrationID)
	if err != nil {
		return wire.NewResponse(wire.StatusNotFound)
	}
	if status, ok := s.authorize(reg.Endpoint, in); !ok {
		return wire.NewResponse(status)
	}

	var u registration.Update
	if _, ok := req.Params[wire.ParamLifetime]; ok {
		lt, valid := req.Lifetime()
		if !valid || lt == 0 {
			return wire.NewResponse(wire.StatusBadRequest)
		}
		u.Lifetime = &lt
	}
	if _, ok := req.Params[wire.ParamBinding]; ok {
		b, err := parseBinding(req.Params)
		if err != nil {
			return wire.NewResponse(wire.StatusBadRequest)
		}
		u.Binding = &b
	}
	if len(req.Payload) > 0 {
		links, err := wire.ParseLinks(string(req.Payload))
		if err != nil {
			return wire.NewResponse(wire.StatusBadRequest)
		}
		u.Links = links
	}
	u.Attributes = extraParams(req.Params)
	if in.RemoteAddr != "" && in.RemoteAddr != reg.Address {
		u.Address = &in.RemoteAddr
	}
	if in.SessionID != "" && in.SessionID != reg.SessionID {
		u.SessionID = &in.SessionID
	}

	updated, err := s.registrations.Update(reg.ID, u)
	if err != nil {
		return wire.NewResponse(storeStatus(err))
	}
	if u.SessionID != nil {
		s.bindSession(in.SessionID, reg.Endpoint)
	}
	s.presence.Track(updated)
	return wire.NewResponse(wire.StatusChanged)
}

// HandleDeregister removes a registration.
func (s *Server) HandleDeregister(_ context.Context, in Inbound, req *wire.Request) *wire.Response {
	reg, err := s.registrations.Get(req.RegistrationID)
	if err != nil {
		return wire.NewResponse(wire.StatusNotFound)
	}
	if status, ok := s.authorize(reg.Endpoint, in); !ok {
		return wire.NewResponse(status)
	}
	if _, err := s.registrations.Deregister(reg.ID); err != nil {
		return wire.NewResponse(storeStatus(err))
	}
	return wire.NewResponse(wire.StatusDeleted)
}

// HandleBootstrapRequest computes the endpoint's bootstrap configuration and
// starts delivering it over the requesting session. The request is
// acknowledged before delivery begins; progress is reported on the
// coordinator's event bus.
func (s *Server) HandleBootstrapRequest(_ context.Context, in Inbound, req *wire.Request) *wire.Response {
	coord := s.config.Bootstrap
	if coord == nil {
		return wire.NewResponse(wire.StatusNotFound)
	}
	endpoint := req.Params[wire.ParamEndpoint]
	if endpoint == "" {
		return wire.NewResponse(wire.StatusBadRequest)
	}

	ctx := s.runContext()
	cfg, err := coord.ComputeConfig(ctx, endpoint, in.Credentials, in.SessionID)
	switch {
	case err == nil:
	case errors.Is(err, bootstrap.ErrNoConfig):
		s.debugLog("no bootstrap config", "endpoint", endpoint, "error", err)
		return wire.NewResponse(wire.StatusBadRequest)
	case errors.Is(err, security.ErrAuthFailure):
		return wire.NewResponse(wire.StatusUnauthorized)
	default:
		s.debugLog("bootstrap config failed", "endpoint", endpoint, "error", err)
		return wire.NewResponse(wire.StatusInternalServerError)
	}
	if err := coord.TryBegin(endpoint); err != nil {
		s.debugLog("bootstrap already running", "endpoint", endpoint)
		return wire.NewResponse(wire.StatusForbidden)
	}

	if s.config.Sessions != nil && in.SessionID != "" {
		if err := s.config.Sessions.Bind(in.SessionID, endpoint); err != nil {
			s.debugLog("bind bootstrap session failed", "endpoint", endpoint, "error", err)
		}
	}
	sender := s.BootstrapSender(endpoint, in.RemoteAddr)
	go func() {
		if err := coord.ApplyReserved(ctx, endpoint, sender, cfg); err != nil {
			s.debugLog("bootstrap apply failed", "endpoint", endpoint, "error", err)
		}
	}()
	return wire.NewResponse(wire.StatusChanged)
}

// BootstrapSender returns a bootstrap.Sender that delivers requests to a
// device that is not registered, addressed by endpoint and address.
func (s *Server) BootstrapSender(endpoint, address string) bootstrap.Sender {
	target := request.Target{
		RegistrationID: bootstrapTarget(endpoint),
		Peer:           request.Peer{Endpoint: endpoint, Address: address},
	}
	return bootstrap.SenderFunc(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return s.requests.Send(ctx, target, req)
	})
}

// HandleNotification passes a notification to the observation manager. It
// reports whether the notification matched an active observation.
func (s *Server) HandleNotification(in Inbound, n *wire.Notification) bool {
	if n == nil {
		return false
	}
	reg, ok := s.registrationFor(in)
	if !ok {
		s.debugLog("notification from unregistered peer", "session", in.SessionID, "addr", in.RemoteAddr)
		return false
	}
	if !s.trusted(in, reg.Endpoint, "notify") {
		return false
	}
	s.HandleTraffic(reg.ID)
	return s.observations.HandleNotification(reg.ID, n.Token, n.Format, n.Payload, n.Sequence, s.config.Clock())
}

// HandleResponse resolves the pending request msgID. The response is only
// accepted for the registration currently held by the sending peer, or for
// the peer's bootstrap session.
func (s *Server) HandleResponse(in Inbound, msgID uint32, resp *wire.Response) error {
	if reg, ok := s.registrationFor(in); ok {
		if !s.trusted(in, reg.Endpoint, "response") {
			return fmt.Errorf("%w: message %d from %s", security.ErrSessionInvalidated, msgID, in.RemoteAddr)
		}
		s.HandleTraffic(reg.ID)
		if err := s.requests.HandleResponse(reg.ID, msgID, resp); err == nil {
			return nil
		}
	}
	if in.Endpoint != "" {
		if err := s.requests.HandleResponse(bootstrapTarget(in.Endpoint), msgID, resp); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: message %d from %s", request.ErrUnexpectedReply, msgID, in.RemoteAddr)
}

// HandleTraffic records that the device of regID was heard from. It
// reports whether the registration is in queue mode.
func (s *Server) HandleTraffic(regID string) bool {
	return s.presence.Touch(regID)
}

func (s *Server) registrationFor(in Inbound) (*registration.Registration, bool) {
	if in.Endpoint != "" {
		if reg, err := s.registrations.GetByEndpoint(in.Endpoint); err == nil {
			return reg, true
		}
	}
	if in.RemoteAddr != "" {
		if reg, err := s.registrations.GetByAddress(in.RemoteAddr); err == nil {
			return reg, true
		}
	}
	return nil, false
}

// trusted reports whether uplink traffic on the inbound session may still be
// attributed to endpoint. Sessions whose credentials were removed or changed
// are rejected even while the transport keeps them open.
func (s *Server) trusted(in Inbound, endpoint, op string) bool {
	mgr := s.config.Security
	if mgr == nil || in.SessionID == "" {
		return true
	}
	err := mgr.Verify(in.SessionID, endpoint)
	if !errors.Is(err, security.ErrSessionInvalidated) {
		return true
	}
	s.debugLog("traffic on invalidated session dropped", "endpoint", endpoint, "session", in.SessionID, "op", op)
	s.plog.Log(s.errorEvent(in, endpoint, op, err))
	return false
}

// authorize maps a security failure to the response status to send back.
func (s *Server) authorize(endpoint string, in Inbound) (wire.Status, bool) {
	mgr := s.config.Security
	if mgr == nil {
		return 0, true
	}
	_, err := mgr.Authorize(endpoint, in.Credentials)
	if err == nil {
		return 0, true
	}
	s.debugLog("authorization failed", "endpoint", endpoint, "session", in.SessionID, "error", err)
	s.plog.Log(s.errorEvent(in, endpoint, "authorize", err))
	switch {
	case !errors.Is(err, security.ErrAuthFailure):
		return wire.StatusInternalServerError, false
	case in.Credentials.Mode == security.ModeNone:
		return wire.StatusUnauthorized, false
	default:
		return wire.StatusForbidden, false
	}
}

func (s *Server) bindSession(sessionID, endpoint string) {
	if sessionID == "" {
		return
	}
	if mgr := s.config.Security; mgr != nil {
		if err := mgr.Bind(sessionID, endpoint); err != nil {
			s.debugLog("security bind failed", "session", sessionID, "endpoint", endpoint, "error", err)
		}
	}
	if b := s.config.Sessions; b != nil {
		if err := b.Bind(sessionID, endpoint); err != nil {
			s.debugLog("session bind failed", "session", sessionID, "endpoint", endpoint, "error", err)
		}
	}
}

func registrationTimings(req *wire.Request) (time.Duration, registration.Binding, error) {
	var lifetime time.Duration
	if _, ok := req.Params[wire.ParamLifetime]; ok {
		lt, valid := req.Lifetime()
		if !valid || lt == 0 {
			return 0, "", fmt.Errorf("%w: lifetime %q", registration.ErrInvalidParams, req.Params[wire.ParamLifetime])
		}
		lifetime = lt
	}
	binding, err := parseBinding(req.Params)
	if err != nil {
		return 0, "", err
	}
	return lifetime, binding, nil
}

// parseBinding reads "b" and folds the separate queue-mode flag into it.
func parseBinding(params map[string]string) (registration.Binding, error) {
	b, err := registration.ParseBinding(params[wire.ParamBinding])
	if err != nil {
		return "", err
	}
	if _, queue := params[wire.ParamQueue]; queue && !b.IsQueueMode() {
		b += "Q"
	}
	return b, nil
}

func extraParams(params map[string]string) map[string]string {
	var out map[string]string
	for k, v := range params {
		if knownParams[k] {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out
}

func storeStatus(err error) wire.Status {
	switch {
	case errors.Is(err, registration.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, registration.ErrInvalidParams):
		return wire.StatusBadRequest
	default:
		return wire.StatusInternalServerError
	}
}

func bootstrapTarget(endpoint string) string {
	return "bootstrap/" + endpoint
}
