package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/request"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// Read fetches the value of path.
func (s *Server) Read(ctx context.Context, regID string, path wire.Path) (*Response, error) {
	return s.exchange(ctx, regID, s.readRequest(wire.OpRead, path), path)
}

// ReadAsync is the non-blocking form of Read.
func (s *Server) ReadAsync(ctx context.Context, regID string, path wire.Path, onSuccess func(*Response), onError func(error)) error {
	return s.exchangeAsync(ctx, regID, s.readRequest(wire.OpRead, path), path, onSuccess, onError)
}

// Discover lists the attributes and resources below path.
func (s *Server) Discover(ctx context.Context, regID string, path wire.Path) (*Response, error) {
	return s.exchange(ctx, regID, &wire.Request{Operation: wire.OpDiscover, Path: path.String(), Format: wire.FormatLinkFormat}, path)
}

// DiscoverAsync is the non-blocking form of Discover.
func (s *Server) DiscoverAsync(ctx context.Context, regID string, path wire.Path, onSuccess func(*Response), onError func(error)) error {
	req := &wire.Request{Operation: wire.OpDiscover, Path: path.String(), Format: wire.FormatLinkFormat}
	return s.exchangeAsync(ctx, regID, req, path, onSuccess, onError)
}

// Write replaces or updates the target with node. Encoding failures are
// returned before anything is sent.
func (s *Server) Write(ctx context.Context, regID string, mode WriteMode, node codec.Node) (*Response, error) {
	req, err := s.contentRequest(mode.operation(), node.Path, node)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, regID, req, node.Path)
}

// WriteAsync is the non-blocking form of Write.
func (s *Server) WriteAsync(ctx context.Context, regID string, mode WriteMode, node codec.Node, onSuccess func(*Response), onError func(error)) error {
	req, err := s.contentRequest(mode.operation(), node.Path, node)
	if err != nil {
		return err
	}
	return s.exchangeAsync(ctx, regID, req, node.Path, onSuccess, onError)
}

// Create creates an instance of the object at objectPath. The node's
// records carry the new instance's resources.
func (s *Server) Create(ctx context.Context, regID string, objectPath wire.Path, node codec.Node) (*Response, error) {
	req, err := s.createRequest(objectPath, node)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, regID, req, objectPath)
}

// CreateAsync is the non-blocking form of Create.
func (s *Server) CreateAsync(ctx context.Context, regID string, objectPath wire.Path, node codec.Node, onSuccess func(*Response), onError func(error)) error {
	req, err := s.createRequest(objectPath, node)
	if err != nil {
		return err
	}
	return s.exchangeAsync(ctx, regID, req, objectPath, onSuccess, onError)
}

// Delete deletes the object instance at path.
func (s *Server) Delete(ctx context.Context, regID string, path wire.Path) (*Response, error) {
	return s.exchange(ctx, regID, &wire.Request{Operation: wire.OpDelete, Path: path.String()}, path)
}

// DeleteAsync is the non-blocking form of Delete.
func (s *Server) DeleteAsync(ctx context.Context, regID string, path wire.Path, onSuccess func(*Response), onError func(error)) error {
	return s.exchangeAsync(ctx, regID, &wire.Request{Operation: wire.OpDelete, Path: path.String()}, path, onSuccess, onError)
}

// Execute triggers the resource at path with optional arguments.
func (s *Server) Execute(ctx context.Context, regID string, path wire.Path, args string) (*Response, error) {
	return s.exchange(ctx, regID, executeRequest(path, args), path)
}

// ExecuteAsync is the non-blocking form of Execute.
func (s *Server) ExecuteAsync(ctx context.Context, regID string, path wire.Path, args string, onSuccess func(*Response), onError func(error)) error {
	return s.exchangeAsync(ctx, regID, executeRequest(path, args), path, onSuccess, onError)
}

// Observe starts observing path. When the device accepts, the observation
// is stored, replacing an existing one on the same path. If the
// registration went away while the request was in flight the device's
// answer is returned together with ErrRegistrationNotFound.
func (s *Server) Observe(ctx context.Context, regID string, path wire.Path) (*ObserveResponse, error) {
	req := s.readRequest(wire.OpObserve, path)
	req.Token = s.config.IDs.NewToken()
	resp, err := s.exchange(ctx, regID, req, path)
	if resp == nil {
		return nil, err
	}
	return s.observed(regID, path, req, resp, err)
}

// ObserveAsync is the non-blocking form of Observe. A payload that fails
// to decode is reported to onError after the observation was stored.
func (s *Server) ObserveAsync(ctx context.Context, regID string, path wire.Path, onSuccess func(*ObserveResponse), onError func(error)) error {
	reg, err := s.target(regID)
	if err != nil {
		return err
	}
	req := s.readRequest(wire.OpObserve, path)
	req.Token = s.config.IDs.NewToken()
	s.requests.SendAsync(ctx, request.TargetOf(reg), req,
		func(raw *wire.Response) {
			resp, decodeErr := s.decode(req.Operation, path, raw)
			out, err := s.observed(regID, path, req, resp, decodeErr)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if onSuccess != nil {
				onSuccess(out)
			}
		},
		onError,
	)
	return nil
}

// CancelObserveActive asks the device to stop notifying for path. The
// stored observation is left in place; use CancelObservePassive to drop it.
func (s *Server) CancelObserveActive(ctx context.Context, regID string, path wire.Path) (*Response, error) {
	req, err := s.cancelRequest(regID, path)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, regID, req, path)
}

// CancelObserveActiveAsync is the non-blocking form of CancelObserveActive.
func (s *Server) CancelObserveActiveAsync(ctx context.Context, regID string, path wire.Path, onSuccess func(*Response), onError func(error)) error {
	req, err := s.cancelRequest(regID, path)
	if err != nil {
		return err
	}
	return s.exchangeAsync(ctx, regID, req, path, onSuccess, onError)
}

// CancelObservePassive forgets the observation on path without telling the
// device. Later notifications for it are ignored.
func (s *Server) CancelObservePassive(regID string, path wire.Path) (*observation.Observation, error) {
	if _, err := s.target(regID); err != nil {
		return nil, err
	}
	return s.observations.CancelByPath(regID, path)
}

// ObservationsOf returns the active observations of a registration.
func (s *Server) ObservationsOf(regID string) []*observation.Observation {
	return s.observations.GetObservations(regID)
}

func (s *Server) target(regID string) (*registration.Registration, error) {
	reg, err := s.registrations.Get(regID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationNotFound, regID)
	}
	return reg, nil
}

// exchange sends req and decodes the answer. A codec error is returned
// together with the undecoded response.
func (s *Server) exchange(ctx context.Context, regID string, req *wire.Request, path wire.Path) (*Response, error) {
	reg, err := s.target(regID)
	if err != nil {
		return nil, err
	}
	raw, err := s.requests.Send(ctx, request.TargetOf(reg), req)
	if err != nil {
		return nil, err
	}
	return s.decode(req.Operation, path, raw)
}

func (s *Server) exchangeAsync(ctx context.Context, regID string, req *wire.Request, path wire.Path, onSuccess func(*Response), onError func(error)) error {
	reg, err := s.target(regID)
	if err != nil {
		return err
	}
	s.requests.SendAsync(ctx, request.TargetOf(reg), req,
		func(raw *wire.Response) {
			resp, err := s.decode(req.Operation, path, raw)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if onSuccess != nil {
				onSuccess(resp)
			}
		},
		onError,
	)
	return nil
}

func (s *Server) decode(op wire.Operation, path wire.Path, raw *wire.Response) (*Response, error) {
	resp := &Response{
		Status:   raw.Status,
		Format:   raw.Format,
		Location: raw.Location,
		Raw:      raw,
	}
	if !raw.IsSuccess() || len(raw.Payload) == 0 {
		return resp, nil
	}

	if op == wire.OpDiscover {
		links, err := wire.ParseLinks(string(raw.Payload))
		if err != nil {
			return resp, err
		}
		resp.Links = links
		return resp, nil
	}

	switch op {
	case wire.OpRead, wire.OpObserve, wire.OpCancelObserve:
	default:
		return resp, nil
	}
	node, err := s.config.Codecs.Decode(raw.Format, raw.Payload, path)
	if err != nil {
		return resp, err
	}
	resp.Content = node
	resp.HasContent = true
	return resp, nil
}

// observed stores the observation once the device accepted it. decodeErr
// is passed through after a successful store.
func (s *Server) observed(regID string, path wire.Path, req *wire.Request, resp *Response, decodeErr error) (*ObserveResponse, error) {
	out := &ObserveResponse{Response: resp}
	if !resp.IsSuccess() {
		return out, decodeErr
	}
	format := req.Format
	if len(resp.Raw.Payload) > 0 {
		format = resp.Format
	}
	obs, replaced, err := s.observations.Add(regID, path, req.Token, format)
	if err != nil {
		if errors.Is(err, observation.ErrRegistrationNotFound) {
			err = fmt.Errorf("%w: %s removed during observe", ErrRegistrationNotFound, regID)
		}
		return out, err
	}
	out.Observation = obs
	out.Replaced = replaced
	return out, decodeErr
}

func (s *Server) readRequest(op wire.Operation, path wire.Path) *wire.Request {
	return &wire.Request{Operation: op, Path: path.String(), Format: s.config.Format}
}

func (s *Server) contentRequest(op wire.Operation, path wire.Path, node codec.Node) (*wire.Request, error) {
	payload, err := s.config.Codecs.Encode(s.config.Format, node)
	if err != nil {
		return nil, err
	}
	return &wire.Request{Operation: op, Path: path.String(), Format: s.config.Format, Payload: payload}, nil
}

func (s *Server) createRequest(objectPath wire.Path, node codec.Node) (*wire.Request, error) {
	if !objectPath.IsObject() {
		return nil, fmt.Errorf("%w: create target %s is not an object", wire.ErrInvalidPath, objectPath)
	}
	return s.contentRequest(wire.OpCreate, objectPath, node)
}

func (s *Server) cancelRequest(regID string, path wire.Path) (*wire.Request, error) {
	if _, err := s.target(regID); err != nil {
		return nil, err
	}
	for _, obs := range s.observations.GetObservations(regID) {
		if obs.Path == path {
			return &wire.Request{
				Operation: wire.OpCancelObserve,
				Path:      path.String(),
				Token:     obs.Token,
				Format:    obs.Format,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", observation.ErrObservationNotFound, path, regID)
}

func executeRequest(path wire.Path, args string) *wire.Request {
	req := &wire.Request{Operation: wire.OpExecute, Path: path.String()}
	if args != "" {
		req.Format = wire.FormatText
		req.Payload = []byte(args)
	}
	return req
}
