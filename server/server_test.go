package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-sip/discovery"
	"mini-sip/message"
	"mini-sip/middleware"
	"mini-sip/registry"
	"mini-sip/transport"
	"mini-sip/upstream"
)

// ---- fakes ----

type fakeTransport struct {
	mu         sync.Mutex
	responses  []*message.Response
	forwarded  []*message.Request
	relayed    []*message.Request
	relay      func(ctx context.Context, req *message.Request) transport.Result
	forwardErr error
}

func (f *fakeTransport) Respond(_ context.Context, res *message.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeTransport) Forward(_ context.Context, req *message.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, req)
	return f.forwardErr
}

func (f *fakeTransport) Relay(ctx context.Context, req *message.Request) <-chan transport.Result {
	f.mu.Lock()
	f.relayed = append(f.relayed, req)
	fn := f.relay
	f.mu.Unlock()

	ch := make(chan transport.Result, 1)
	go func() { ch <- fn(ctx, req) }()
	return ch
}

func (f *fakeTransport) sent() []*message.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Response(nil), f.responses...)
}

// spyStore counts every call that reaches the registry.
type spyStore struct {
	registry.Store
	calls atomic.Int32
}

func (s *spyStore) Upsert(id string, c registry.ContactRecord) registry.ContactRecord {
	s.calls.Add(1)
	return s.Store.Upsert(id, c)
}

func (s *spyStore) LiveContacts(id string, now time.Time, limit int) []registry.ContactRecord {
	s.calls.Add(1)
	return s.Store.LiveContacts(id, now, limit)
}

func (s *spyStore) Entry(id string) (registry.UserEntry, bool) {
	s.calls.Add(1)
	return s.Store.Entry(id)
}

// ---- helpers ----

var (
	client   = message.Origin{Network: "udp", Addr: "192.0.2.10:5060"}
	upOrigin = message.Origin{Network: "udp", Addr: "198.51.100.1:5060"}
)

func register(user string, contacts ...message.Contact) *message.Request {
	return &message.Request{
		Method:   message.MethodRegister,
		URI:      "sip:registrar.example.com",
		To:       message.NameAddr{URI: "sip:" + user + "@example.com"},
		From:     message.NameAddr{URI: "sip:" + user + "@example.com"},
		Contacts: contacts,
		Source:   client,
	}
}

func invite(user string) *message.Request {
	return &message.Request{
		Method: "INVITE",
		URI:    "sip:" + user + "@example.com",
		Source: client,
	}
}

func withParams(uri string, kv ...string) message.Contact {
	c := message.Contact{URI: uri, Params: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Params[kv[i]] = kv[i+1]
	}
	return c
}

func standalone(t *testing.T) (*Server, *fakeTransport, *registry.MemoryRegistry, *clock.Mock) {
	t.Helper()
	ft := &fakeTransport{}
	store := registry.NewMemoryRegistry()
	mock := clock.NewMock()
	s := New(ft, store, WithClock(mock), WithLogger(zaptest.NewLogger(t)))
	return s, ft, store, mock
}

func relay(t *testing.T, fn func(ctx context.Context, req *message.Request) transport.Result) (*Server, *fakeTransport, *spyStore) {
	t.Helper()
	ft := &fakeTransport{relay: fn}
	store := &spyStore{Store: registry.NewMemoryRegistry()}
	s := New(ft, store,
		WithUpstream(upstream.NewStatic("upstream.example.net", 5070)),
		WithLogger(zaptest.NewLogger(t)))
	return s, ft, store
}

func upstreamOK(_ context.Context, req *message.Request) transport.Result {
	return transport.Result{Response: &message.Response{
		Status:  message.StatusOK,
		Reason:  "OK",
		Request: req,
		Source:  upOrigin,
		Relayed: true,
	}}
}

// ---- standalone ----

func TestStandaloneRegister(t *testing.T) {
	s, ft, store, _ := standalone(t)
	assert.Equal(t, Standalone, s.Mode())

	res := s.Handle(context.Background(), register("alice",
		withParams("sip:alice@10.0.0.1", "q", "0.5", "expires", "60"),
		withParams("sip:alice@10.0.0.2", "q", "0.9")))

	require.NotNil(t, res)
	assert.Equal(t, message.StatusOK, res.Status)
	require.Len(t, res.Contacts, 2)
	assert.Equal(t, []string{"sip:alice@10.0.0.2", "sip:alice@10.0.0.1"}, res.ContactURIs())
	assert.Equal(t, "3600", res.Contacts[0].Params["expires"])
	assert.Equal(t, "0.9", res.Contacts[0].Params["q"])
	assert.Equal(t, "60", res.Contacts[1].Params["expires"])

	assert.Equal(t, []*message.Response{res}, ft.sent())
	assert.Equal(t, 2, store.Len())
}

func TestStandaloneBobPartial(t *testing.T) {
	s, _, store, mock := standalone(t)

	res := s.Handle(context.Background(), register("bob",
		withParams("sip:bob@[2001:db8::1"),
		withParams("sip:bob@10.0.0.2")))

	assert.Equal(t, message.StatusNotImplemented, res.Status)
	assert.Equal(t, "Unsupported Contact Address: sip:bob@[2001:db8::1", res.Reason)
	assert.Equal(t, 1, store.Len())
	assert.Len(t, store.LiveContacts("bob", mock.Now(), 0), 1)
}

func TestStandaloneRegisterWithoutUser(t *testing.T) {
	s, _, _, _ := standalone(t)
	req := register("alice", withParams("sip:alice@10.0.0.1"))
	req.To.URI = "sip:example.com"

	res := s.Handle(context.Background(), req)
	assert.Equal(t, message.StatusBadRequest, res.Status)
}

func TestStandaloneRouting(t *testing.T) {
	s, ft, _, mock := standalone(t)
	ctx := context.Background()

	s.Handle(ctx, register("alice",
		withParams("sip:alice@a.example.com", "q", "0.8", "expires", "3600"),
		withParams("sip:alice@b.example.com", "q", "0.8", "expires", "60")))

	req := invite("alice")
	assert.Nil(t, s.Handle(ctx, req))
	require.Len(t, ft.forwarded, 1)
	assert.Equal(t, "sip:alice@a.example.com", ft.forwarded[0].URI)
	assert.Equal(t, "sip:alice@example.com", req.URI, "original request must not be rewritten")

	mock.Add(61 * time.Second)
	assert.Nil(t, s.Handle(ctx, invite("alice")))
	assert.Equal(t, "sip:alice@a.example.com", ft.forwarded[1].URI)

	mock.Add(3600 * time.Second)
	res := s.Handle(ctx, invite("alice"))
	require.NotNil(t, res)
	assert.Equal(t, message.StatusNotFound, res.Status)
}

func TestStandaloneNotFound(t *testing.T) {
	s, ft, _, _ := standalone(t)

	res := s.Handle(context.Background(), invite("nobody"))
	assert.Equal(t, message.StatusNotFound, res.Status)
	assert.Equal(t, "Not Found", res.Reason)

	res = s.Handle(context.Background(), &message.Request{Method: "OPTIONS", URI: "sip:example.com"})
	assert.Equal(t, message.StatusNotFound, res.Status)
	assert.Empty(t, ft.forwarded)
}

func TestStandaloneForwardFailure(t *testing.T) {
	s, ft, _, _ := standalone(t)
	ft.forwardErr = errors.New("network unreachable")
	ctx := context.Background()

	s.Handle(ctx, register("alice", withParams("sip:alice@10.0.0.1")))
	res := s.Handle(ctx, invite("alice"))
	assert.Equal(t, message.StatusServiceUnavailable, res.Status)
}

func TestStrayResponseDropped(t *testing.T) {
	s, ft, _, _ := standalone(t)

	res := s.Handle(context.Background(), &message.Request{URI: "sip:alice@example.com", Source: client})
	assert.Nil(t, res)
	assert.Empty(t, ft.sent())
	assert.Empty(t, ft.forwarded)
}

func TestWildcardUnregister(t *testing.T) {
	s, _, store, _ := standalone(t)
	ctx := context.Background()

	s.Handle(ctx, register("alice", withParams("sip:alice@10.0.0.1"), withParams("sip:alice@10.0.0.2")))

	zero := 0
	req := register("alice")
	req.Wildcard = true
	req.Expires = &zero
	res := s.Handle(ctx, req)

	assert.Equal(t, message.StatusOK, res.Status)
	assert.Empty(t, res.Contacts)
	assert.Equal(t, 0, store.Len())
}

// ---- relay ----

func TestRelayRegisterSuccess(t *testing.T) {
	s, ft, store := relay(t, upstreamOK)
	assert.Equal(t, Relay, s.Mode())

	req := register("alice", withParams("sip:alice@10.0.0.1"))
	res := s.Handle(context.Background(), req)

	require.NotNil(t, res)
	assert.True(t, res.Relayed)
	assert.Equal(t, message.StatusOK, res.Status)
	assert.Same(t, req, res.Request)

	require.Len(t, ft.relayed, 1)
	assert.Equal(t, "sip:upstream.example.net:5070", ft.relayed[0].URI)
	assert.Equal(t, "sip:registrar.example.com", req.URI)

	e, ok := store.Store.Entry("alice")
	require.True(t, ok)
	rec := e.Contacts["sip:alice@10.0.0.1"]
	assert.Equal(t, client, rec.RegisteredVia.Remote)
	require.NotNil(t, rec.RegisteredVia.Upstream)
	assert.Equal(t, upOrigin, *rec.RegisteredVia.Upstream)
}

func TestRelayRegisterRefused(t *testing.T) {
	s, _, store := relay(t, func(_ context.Context, req *message.Request) transport.Result {
		return transport.Result{Response: &message.Response{Status: 403, Reason: "Forbidden", Request: req, Relayed: true}}
	})

	res := s.Handle(context.Background(), register("alice", withParams("sip:alice@10.0.0.1")))
	assert.Equal(t, 403, res.Status)
	assert.True(t, res.Relayed)
	assert.Equal(t, 0, store.Store.Len())
}

func TestRelayRegisterTransportFailure(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unreachable", errors.New("connection refused"), message.StatusServiceUnavailable},
		{"transaction timeout", transport.ErrTerminated, message.StatusRequestTimeout},
		{"deadline", context.DeadlineExceeded, message.StatusRequestTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, store := relay(t, func(context.Context, *message.Request) transport.Result {
				return transport.Result{Err: tc.err}
			})
			res := s.Handle(context.Background(), register("alice", withParams("sip:alice@10.0.0.1")))
			assert.Equal(t, tc.status, res.Status)
			assert.False(t, res.Relayed)
			assert.Equal(t, 0, store.Store.Len())
		})
	}
}

func TestRelayTimeoutDoesNotMutate(t *testing.T) {
	release := make(chan struct{})
	s, _, store := relay(t, func(ctx context.Context, req *message.Request) transport.Result {
		<-release
		return upstreamOK(ctx, req)
	})
	s.Use(middleware.Timeout(20 * time.Millisecond))

	res := s.Handle(context.Background(), register("alice", withParams("sip:alice@10.0.0.1")))
	assert.Equal(t, message.StatusRequestTimeout, res.Status)

	// the upstream answers late; the cancelled handler must leave the registry alone
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.Store.Len())
}

func TestRelayRoutingNeverConsultsRegistry(t *testing.T) {
	s, ft, store := relay(t, upstreamOK)

	req := invite("alice")
	req.Contacts = []message.Contact{{URI: "sip:alice@10.9.9.9"}}
	res := s.Handle(context.Background(), req)

	assert.Nil(t, res)
	sent := ft.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, message.StatusTrying, sent[0].Status)

	require.Len(t, ft.forwarded, 1)
	fwd := ft.forwarded[0]
	assert.Equal(t, "sip:alice@upstream.example.net:5070", fwd.URI)
	assert.Equal(t, req.Contacts, fwd.Contacts)
	assert.Equal(t, req.Method, fwd.Method)
	assert.Equal(t, int32(0), store.calls.Load())
}

func TestRelayAckGetsNoTrying(t *testing.T) {
	s, ft, _ := relay(t, upstreamOK)
	ack := invite("alice")
	ack.Method = "ACK"

	s.Handle(context.Background(), ack)
	assert.Empty(t, ft.sent())
	assert.Len(t, ft.forwarded, 1)
}

func TestRelayRetrySendsTryingOnce(t *testing.T) {
	s, ft, _ := relay(t, upstreamOK)
	ft.forwardErr = errors.New("network unreachable")
	s.Use(middleware.Retry(2, time.Millisecond, zaptest.NewLogger(t)))

	res := s.Handle(context.Background(), invite("alice"))

	require.NotNil(t, res)
	assert.Equal(t, message.StatusServiceUnavailable, res.Status)
	assert.Len(t, ft.forwarded, 3)

	trying := 0
	for _, r := range ft.sent() {
		if r.Status == message.StatusTrying {
			trying++
		}
	}
	assert.Equal(t, 1, trying)
}

func TestRelayException(t *testing.T) {
	ft := &fakeTransport{relay: upstreamOK}
	s := New(ft, registry.NewMemoryRegistry(),
		WithUpstream(upstream.NewStatic("", 0)),
		WithLogger(zaptest.NewLogger(t)))

	res := s.Handle(context.Background(), register("alice", withParams("sip:alice@10.0.0.1")))
	assert.Equal(t, message.StatusServerInternalError, res.Status)
	assert.Empty(t, ft.relayed)

	res = s.Handle(context.Background(), invite("alice"))
	assert.Equal(t, message.StatusServerInternalError, res.Status)
	assert.Empty(t, ft.forwarded)
}

// ---- serve / shutdown ----

func TestServeAndShutdown(t *testing.T) {
	ft := &fakeTransport{}
	store := registry.NewMemoryRegistry()
	announcer := discovery.NewStaticRegistry()
	s := New(ft, store,
		WithLogger(zaptest.NewLogger(t)),
		WithAnnouncer(announcer, "registrar", "127.0.0.1:5060", 10))

	requests := make(chan *message.Request)
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), requests) }()

	for i := 0; i < 10; i++ {
		requests <- register("alice", withParams("sip:alice@10.0.0.1"))
	}
	require.Eventually(t, func() bool { return len(ft.sent()) == 10 }, time.Second, 10*time.Millisecond)

	insts, _ := announcer.Discover(context.Background(), "registrar")
	require.Len(t, insts, 1)

	require.NoError(t, s.Shutdown(time.Second))
	require.NoError(t, <-served)

	insts, _ = announcer.Discover(context.Background(), "registrar")
	assert.Empty(t, insts)
	assert.Equal(t, 1, store.Len())
}

func TestShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	ft := &fakeTransport{}
	s := New(ft, registry.NewMemoryRegistry(), WithLogger(zaptest.NewLogger(t)))
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			<-block
			return next(ctx, req)
		}
	})

	requests := make(chan *message.Request, 1)
	go s.Serve(context.Background(), requests)
	requests <- invite("alice")
	time.Sleep(20 * time.Millisecond)

	err := s.Shutdown(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}
