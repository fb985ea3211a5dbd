// Package server runs the registrar: it takes parsed requests from a
// transport, pushes each through the middleware chain into the dispatcher on
// its own goroutine, and sends back whatever response the chain produces.
//
// Request pipeline:
//
//	transport.Requests() → Serve → go handle
//	  → middleware chain → dispatch → {registrar | router | upstream relay}
//	  → transport.Respond (when a local response is owed)
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-sip/discovery"
	"mini-sip/message"
	"mini-sip/metrics"
	"mini-sip/middleware"
	"mini-sip/registrar"
	"mini-sip/registry"
	"mini-sip/router"
	"mini-sip/transport"
	"mini-sip/upstream"
)

var ErrShutdownTimeout = errors.New("server: timeout waiting for in-flight requests")

// Mode is fixed when the server is built.
type Mode int

const (
	// Standalone registers and routes from the local registry.
	Standalone Mode = iota
	// Relay hands every request to an upstream registrar.
	Relay
)

func (m Mode) String() string {
	if m == Relay {
		return "relay"
	}
	return "standalone"
}

type Server struct {
	transport transport.Transport
	store     registry.Store
	processor *registrar.Processor
	resolver  *router.Resolver
	upstream  upstream.Resolver

	clock          clock.Clock
	logger         *zap.Logger
	metrics        *metrics.Metrics
	defaultExpires time.Duration

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	buildOnce   sync.Once

	mu       sync.Mutex // guards shutdown against wg.Add
	shutdown bool
	wg       sync.WaitGroup
	quit     chan struct{}

	announcer     discovery.Registry
	service       string
	advertiseAddr string
	ttl           int64
}

type Option func(*Server)

// WithUpstream switches the server to relay mode.
func WithUpstream(r upstream.Resolver) Option { return func(s *Server) { s.upstream = r } }

func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithDefaultExpires(d time.Duration) Option { return func(s *Server) { s.defaultExpires = d } }

// WithAnnouncer publishes advertiseAddr under service while Serve runs, so
// relays elsewhere can discover this registrar.
func WithAnnouncer(reg discovery.Registry, service, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.announcer = reg
		s.service = service
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

func New(t transport.Transport, store registry.Store, opts ...Option) *Server {
	s := &Server{
		transport: t,
		store:     store,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.processor = registrar.New(store,
		registrar.WithClock(s.clock),
		registrar.WithLogger(s.logger),
		registrar.WithMetrics(s.metrics),
		registrar.WithDefaultExpires(s.defaultExpires))
	s.resolver = router.New(store, s.metrics)
	return s
}

func (s *Server) Mode() Mode {
	if s.upstream != nil {
		return Relay
	}
	return Standalone
}

// Use registers a middleware. Middlewares apply in the order added and must
// be registered before the first request is handled.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) chain() middleware.HandlerFunc {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	})
	return s.handler
}

// Serve handles requests until ctx is done, requests is closed or Shutdown
// is called. Each request runs on its own goroutine.
func (s *Server) Serve(ctx context.Context, requests <-chan *message.Request) error {
	s.chain()

	if s.announcer != nil {
		inst := discovery.Instance{Addr: s.advertiseAddr}
		if err := s.announcer.Register(ctx, s.service, inst, s.ttl); err != nil {
			return fmt.Errorf("server: announce %s: %w", s.advertiseAddr, err)
		}
		s.logger.Info("announced", zap.String("service", s.service), zap.String("addr", s.advertiseAddr))
	}

	s.logger.Info("serving", zap.Stringer("mode", s.Mode()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			if !s.track() {
				return nil
			}
			go func() {
				defer s.wg.Done()
				s.Handle(ctx, req)
			}()
		}
	}
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

// Handle runs one request through the chain and sends the response, if any.
// It returns that response.
func (s *Server) Handle(ctx context.Context, req *message.Request) *message.Response {
	res := s.chain()(ctx, req)
	if res == nil {
		return nil
	}
	if res.Request == nil {
		res.Request = req
	}
	if err := s.transport.Respond(ctx, res); err != nil {
		s.logger.Warn("sending response failed",
			zap.Int("status", res.Status),
			zap.String("method", req.Method),
			zap.Error(err))
	}
	return res
}

// Shutdown withdraws the announcement, stops taking requests and waits up to
// timeout for in-flight ones.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error

	if s.announcer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = multierr.Append(errs, s.announcer.Deregister(ctx, s.service, s.advertiseAddr))
		cancel()
	}

	s.mu.Lock()
	if !s.shutdown {
		s.shutdown = true
		close(s.quit)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, ErrShutdownTimeout)
	}
	return errs
}
