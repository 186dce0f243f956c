package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mash-protocol/lwm2m-go/pkg/bootstrap"
	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/ident"
	"github.com/mash-protocol/lwm2m-go/pkg/log"
	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/presence"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/security"
	"github.com/mash-protocol/lwm2m-go/pkg/transport"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// SessionBinder associates a transport session with an endpoint once the
// device registered. transport.Listener implements it.
type SessionBinder interface {
	Bind(sessionID, endpoint string) error
}

// Config configures a Server.
type Config struct {
	// Transport delivers downlink messages. Required.
	Transport request.Transport

	// Sessions binds transport sessions to endpoints. Optional.
	Sessions SessionBinder

	// Security authorizes registrations. Nil accepts every device.
	Security *security.Manager

	// Bootstrap answers bootstrap requests. Nil rejects them.
	Bootstrap *bootstrap.Coordinator

	Registration registration.Config
	Observation  observation.Config
	Presence     presence.Config
	Request      request.Config

	// Codecs decodes and encodes payloads. Defaults to codec.DefaultRegistry.
	Codecs *codec.Registry

	// Format is the content format requested for reads and used for writes.
	// Defaults to CBOR.
	Format wire.ContentFormat

	// IDs issues observation tokens.
	IDs ident.Source

	Clock func() time.Time

	ProtocolLogger log.Logger
	Logger         *slog.Logger
}

// DefaultConfig returns a configuration with default component settings.
// Transport must still be set.
func DefaultConfig() Config {
	return Config{
		Registration: registration.DefaultConfig(),
		Observation:  observation.DefaultConfig(),
		Presence:     presence.DefaultConfig(),
		Request:      request.DefaultConfig(),
		Format:       wire.FormatCBOR,
	}
}

// Server is the device management engine.
type Server struct {
	config Config
	logger *slog.Logger
	plog   log.Logger

	registrations *registration.Store
	observations  *observation.Manager
	presence      *presence.Tracker
	requests      *request.Layer

	mu     sync.RWMutex
	state  State
	ctx    context.Context
	cancel context.CancelFunc

	handles []eventbus.Handle
}

var _ transport.Handler = (*Server)(nil)

// New creates a server from config.
func New(config Config) (*Server, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidConfig)
	}
	if config.Codecs == nil {
		config.Codecs = codec.DefaultRegistry()
	}
	if config.Format == 0 {
		config.Format = wire.FormatCBOR
	}
	if config.IDs == nil {
		config.IDs = ident.NewRandomSource()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ProtocolLogger == nil {
		config.ProtocolLogger = log.NoopLogger{}
	}

	if config.Registration.Logger == nil {
		config.Registration.Logger = config.Logger
	}
	if config.Observation.Codecs == nil {
		config.Observation.Codecs = config.Codecs
	}
	if config.Observation.Logger == nil {
		config.Observation.Logger = config.Logger
	}
	if config.Presence.Logger == nil {
		config.Presence.Logger = config.Logger
	}
	if config.Request.Logger == nil {
		config.Request.Logger = config.Logger
	}

	s := &Server{
		config:        config,
		logger:        config.Logger,
		plog:          config.ProtocolLogger,
		registrations: registration.NewStoreWithConfig(config.Registration),
		observations:  observation.NewManagerWithConfig(config.Observation),
		presence:      presence.NewTrackerWithConfig(config.Presence),
		ctx:           context.Background(),
	}

	reqConfig := config.Request
	if reqConfig.Presence == nil {
		reqConfig.Presence = s.presence
	}
	if reqConfig.Verifier == nil && config.Security != nil {
		reqConfig.Verifier = config.Security
	}
	s.requests = request.NewLayerWithConfig(config.Transport, reqConfig)

	s.registrations.OnTeardown(s.teardown)
	s.handles = append(s.handles,
		s.registrations.Subscribe(nil, s.logRegistrationEvent),
		s.presence.Subscribe(nil, s.logPresenceEvent),
		s.observations.Subscribe(nil, s.logObservationEvent),
	)
	return s, nil
}

// Start launches background work: the registration expiry sweep.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyStarted
	}
	if s.state == StateStopped {
		return fmt.Errorf("%w: server was stopped", ErrInvalidConfig)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.registrations.Start(s.ctx)
	s.state = StateRunning
	s.debugLog("server started")
	return nil
}

// Stop halts background work, fails outstanding requests with
// request.ErrClosed and drains the event buses.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.registrations.Stop()
	s.requests.Close()
	s.presence.Close()
	s.observations.Close()
	s.registrations.Close()
	s.debugLog("server stopped")
	return nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Registrations returns the registration store.
func (s *Server) Registrations() *registration.Store { return s.registrations }

// Observations returns the observation manager.
func (s *Server) Observations() *observation.Manager { return s.observations }

// Presence returns the presence tracker.
func (s *Server) Presence() *presence.Tracker { return s.presence }

// Requests returns the request layer.
func (s *Server) Requests() *request.Layer { return s.requests }

// Security returns the security manager, if configured.
func (s *Server) Security() *security.Manager { return s.config.Security }

// Bootstrap returns the bootstrap coordinator, if configured.
func (s *Server) Bootstrap() *bootstrap.Coordinator { return s.config.Bootstrap }

func (s *Server) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// teardown runs under the registration's shard lock, before the
// deregistration is published.
func (s *Server) teardown(reg *registration.Registration, reason registration.Reason) {
	removed := s.observations.RemoveAll(reg.ID)
	s.presence.Remove(reg.ID)
	// Callbacks of async requests must not run under the store lock.
	go s.requests.CancelRegistration(reg.ID)
	s.debugLog("registration torn down",
		"endpoint", reg.Endpoint, "id", reg.ID, "reason", reason, "observations", len(removed))
}

func (s *Server) logRegistrationEvent(e registration.Event) {
	from, to := "", "REGISTERED"
	switch e.Kind {
	case registration.EventUpdated:
		from, to = "REGISTERED", "REGISTERED"
	case registration.EventDeregistered:
		from, to = "REGISTERED", "DEREGISTERED"
	}
	s.plog.Log(log.Event{
		Timestamp:      s.config.Clock(),
		SessionID:      e.Registration.SessionID,
		Layer:          log.LayerEngine,
		Category:       log.CategoryState,
		RemoteAddr:     e.Registration.Address,
		Endpoint:       e.Registration.Endpoint,
		RegistrationID: e.Registration.ID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityRegistration,
			OldState: from,
			NewState: to,
			Reason:   e.Kind.String() + " " + e.Reason.String(),
		},
	})
}

func (s *Server) logPresenceEvent(e presence.Event) {
	from, to := presence.StateSleeping, presence.StateAwake
	if e.Kind == presence.EventSleeping {
		from, to = presence.StateAwake, presence.StateSleeping
	}
	s.plog.Log(log.Event{
		Timestamp:      e.At,
		Layer:          log.LayerEngine,
		Category:       log.CategoryState,
		Endpoint:       e.Endpoint,
		RegistrationID: e.RegistrationID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPresence,
			OldState: from.String(),
			NewState: to.String(),
		},
	})
}

func (s *Server) logObservationEvent(e observation.Event) {
	if e.Kind == observation.EventNotified {
		return
	}
	ev := log.Event{
		Timestamp:      s.config.Clock(),
		Layer:          log.LayerEngine,
		Category:       log.CategoryState,
		RegistrationID: e.Observation.RegistrationID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityObservation,
			NewState: e.Kind.String(),
			Reason:   e.Observation.Path.String(),
		},
	}
	if e.Kind == observation.EventCancelled {
		ev.StateChange.Reason += " " + e.Reason.String()
	}
	if e.Err != nil {
		ev.Category = log.CategoryError
		ev.StateChange = nil
		ev.Error = &log.ErrorEventData{Layer: log.LayerEngine, Message: e.Err.Error(), Context: e.Observation.Path.String()}
	}
	s.plog.Log(ev)
}

func (s *Server) errorEvent(in Inbound, endpoint, op string, err error) log.Event {
	return log.Event{
		Timestamp:  s.config.Clock(),
		SessionID:  in.SessionID,
		Direction:  log.DirectionIn,
		Layer:      log.LayerEngine,
		Category:   log.CategoryError,
		RemoteAddr: in.RemoteAddr,
		Endpoint:   endpoint,
		Error:      &log.ErrorEventData{Layer: log.LayerEngine, Message: err.Error(), Context: op},
	}
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
