package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mini-sip/contact"
	"mini-sip/message"
	"mini-sip/middleware"
	"mini-sip/registrar"
	"mini-sip/registry"
	"mini-sip/transport"
)

const reasonUnsupportedContact = "Unsupported Contact Address"

// dispatch is the innermost handler of the chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	if req.IsResponse() {
		s.logger.Warn("dropping stray response on the request path",
			zap.String("uri", req.URI),
			zap.Stringer("source", req.Source))
		return nil
	}

	switch {
	case s.upstream != nil && req.Method == message.MethodRegister:
		return s.registerUpstream(ctx, req)
	case s.upstream != nil:
		return s.routeUpstream(ctx, req)
	case req.Method == message.MethodRegister:
		return s.registerLocal(ctx, req)
	default:
		return s.routeLocal(ctx, req)
	}
}

func (s *Server) registerLocal(ctx context.Context, req *message.Request) *message.Response {
	identity, err := contact.User(req.To.URI)
	if err != nil || identity == "" {
		s.logger.Info("REGISTER without a user in To", zap.String("to", req.To.URI), zap.Error(err))
		return message.NewResponse(req, message.StatusBadRequest, "Bad Request")
	}

	result, err := s.processor.Process(ctx, s.registration(identity, req, nil))
	if err != nil {
		return s.processFailed(req, err)
	}
	if result.Partial() {
		return message.NewResponse(req, message.StatusNotImplemented,
			reasonUnsupportedContact+": "+strings.Join(result.Rejected, ", "))
	}

	res := message.NewResponse(req, message.StatusOK, "OK")
	res.Contacts = s.bindings(result.Entry)
	return res
}

func (s *Server) routeLocal(ctx context.Context, req *message.Request) *message.Response {
	identity, err := contact.User(req.URI)
	if err != nil || identity == "" {
		return message.NewResponse(req, message.StatusNotFound, "Not Found")
	}

	rec, ok := s.resolver.Resolve(identity, s.clock.Now())
	if !ok {
		return message.NewResponse(req, message.StatusNotFound, "Not Found")
	}

	fwd := req.Clone()
	fwd.URI = rec.Address
	if err := s.transport.Forward(ctx, fwd); err != nil {
		s.logger.Warn("forward failed",
			zap.String("identity", identity),
			zap.String("contact", rec.Address),
			zap.Error(err))
		return message.NewResponse(req, message.StatusServiceUnavailable, "Service Unavailable")
	}
	return nil
}

// registerUpstream relays a REGISTER and records it locally only after the
// upstream accepted it.
func (s *Server) registerUpstream(ctx context.Context, req *message.Request) *message.Response {
	identity, _ := contact.User(req.To.URI)

	fwd, err := s.retarget(ctx, identity, req)
	if err != nil {
		return s.relayException(req, err)
	}

	start := time.Now()
	result := <-s.transport.Relay(ctx, fwd)
	elapsed := time.Since(start)

	if result.Err != nil {
		s.metrics.RelayCompleted(req.Method, 0, elapsed)
		return s.relayFailed(req, fwd.URI, result.Err)
	}

	res := result.Response
	res.Request = req
	s.metrics.RelayCompleted(req.Method, res.Status, elapsed)

	if !res.Success() {
		s.logger.Warn("upstream refused registration",
			zap.String("identity", identity),
			zap.String("upstream", fwd.URI),
			zap.Int("status", res.Status),
			zap.String("reason", res.Reason))
		return res
	}
	if identity == "" {
		s.logger.Warn("upstream accepted REGISTER without a user in To, not recorded", zap.String("to", req.To.URI))
		return res
	}

	// upstream keeps the binding if ctx expired meanwhile; we answer 408 and record nothing
	upOrigin := res.Source
	reg, err := s.processor.Process(ctx, s.registration(identity, req, &upOrigin))
	if err != nil {
		return s.processFailed(req, err)
	}
	if reg.Partial() {
		s.logger.Warn("upstream accepted contacts rejected locally",
			zap.String("identity", identity),
			zap.Strings("rejected", reg.Rejected))
	}
	return res
}

// routeUpstream acknowledges with 100 Trying and forwards to the upstream.
// The local registry is never consulted.
func (s *Server) routeUpstream(ctx context.Context, req *message.Request) *message.Response {
	// a retried attempt has already said Trying
	if req.Method != "ACK" && middleware.Attempt(ctx) == 0 {
		trying := message.NewResponse(req, message.StatusTrying, "Trying")
		if err := s.transport.Respond(ctx, trying); err != nil {
			s.logger.Debug("sending 100 Trying failed", zap.Error(err))
		}
	}

	identity, _ := contact.User(req.URI)
	fwd, err := s.retarget(ctx, identity, req)
	if err != nil {
		return s.relayException(req, err)
	}
	if err := s.transport.Forward(ctx, fwd); err != nil {
		return s.relayFailed(req, fwd.URI, err)
	}
	return nil
}

// retarget copies req with its request URI pointed at the upstream picked for identity.
func (s *Server) retarget(ctx context.Context, identity string, req *message.Request) (*message.Request, error) {
	target, err := s.upstream.Pick(ctx, identity)
	if err != nil {
		return nil, err
	}
	uri, err := contact.RewriteHostPort(req.URI, target.Host, target.Port)
	if err != nil {
		return nil, err
	}
	fwd := req.Clone()
	fwd.URI = uri
	return fwd, nil
}

func (s *Server) registration(identity string, req *message.Request, upOrigin *message.Origin) registrar.Request {
	return registrar.Request{
		Identity: identity,
		ToName:   req.To.DisplayName,
		FromName: req.From.DisplayName,
		Contacts: req.Contacts,
		Wildcard: req.Wildcard,
		Expires:  req.Expires,
		Remote:   req.Source,
		Upstream: upOrigin,
	}
}

// bindings renders the user's live contacts for a 200 OK, best first.
func (s *Server) bindings(entry registry.UserEntry) []message.Contact {
	now := s.clock.Now()
	var out []message.Contact
	for _, rec := range entry.OrderedContacts() {
		if rec.Expired(now) {
			continue
		}
		out = append(out, message.Contact{
			URI:         rec.Address,
			DisplayName: rec.DisplayName,
			Params: map[string]string{
				"expires": strconv.Itoa(int(rec.Remaining(now) / time.Second)),
				"q":       strconv.FormatFloat(rec.Priority, 'f', -1, 64),
			},
		})
	}
	return out
}

func (s *Server) processFailed(req *message.Request, err error) *message.Response {
	if isTimeout(err) {
		return message.NewResponse(req, message.StatusRequestTimeout, "Request Timeout")
	}
	s.logger.Error("registration failed", zap.Error(err))
	return message.NewResponse(req, message.StatusServerInternalError, "Server Internal Error")
}

func (s *Server) relayFailed(req *message.Request, target string, err error) *message.Response {
	s.logger.Warn("relay to upstream failed",
		zap.String("method", req.Method),
		zap.String("upstream", target),
		zap.Error(err))
	if isTimeout(err) {
		return message.NewResponse(req, message.StatusRequestTimeout, "Request Timeout")
	}
	return message.NewResponse(req, message.StatusServiceUnavailable, "Service Unavailable")
}

func (s *Server) relayException(req *message.Request, err error) *message.Response {
	s.logger.Error("cannot relay request",
		zap.String("method", req.Method),
		zap.String("uri", req.URI),
		zap.Error(err))
	return message.NewResponse(req, message.StatusServerInternalError, "Server Internal Error")
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, transport.ErrTerminated)
}
