package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"

	"mini-sip/message"
)

// DefaultHoldTimeout bounds how long an inbound request is held open waiting
// for the core to finish with it. It matches SIP timer F.
const DefaultHoldTimeout = 32 * time.Second

var handledMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.REGISTER, sip.OPTIONS,
	sip.SUBSCRIBE, sip.NOTIFY, sip.REFER, sip.INFO, sip.MESSAGE, sip.PRACK,
	sip.UPDATE, sip.PUBLISH,
}

// inbound is the transport-native side of a message.Request.
type inbound struct {
	req  *sip.Request
	tx   sip.ServerTransaction // nil for ACK
	once sync.Once
	done chan struct{}
}

func (in *inbound) finish() {
	in.once.Do(func() { close(in.done) })
}

// SIPTransport implements Transport over sipgo. Each inbound request is
// turned into a message.Request and delivered on Requests().
type SIPTransport struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	logger *zap.Logger

	requests    chan *message.Request
	pending     pendingTable
	holdTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

type SIPOption func(*SIPTransport)

func WithLogger(l *zap.Logger) SIPOption { return func(t *SIPTransport) { t.logger = l } }

func WithHoldTimeout(d time.Duration) SIPOption {
	return func(t *SIPTransport) {
		if d > 0 {
			t.holdTimeout = d
		}
	}
}

func NewSIPTransport(userAgent string, opts ...SIPOption) (*SIPTransport, error) {
	t := &SIPTransport{
		logger:      zap.NewNop(),
		requests:    make(chan *message.Request, 128),
		holdTimeout: DefaultHoldTimeout,
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("transport: user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("transport: client: %w", err)
	}
	t.ua, t.server, t.client = ua, server, client

	for _, m := range handledMethods {
		server.OnRequest(m, t.onRequest)
	}
	return t, nil
}

// Requests delivers every inbound request. It is never closed; stop reading
// when the server shuts down.
func (t *SIPTransport) Requests() <-chan *message.Request {
	return t.requests
}

// Listen serves network ("udp", "tcp") on addr until ctx is done.
func (t *SIPTransport) Listen(ctx context.Context, network, addr string) error {
	return t.server.ListenAndServe(ctx, network, addr)
}

// Close fails every pending relay and stops the user agent.
func (t *SIPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.pending.failAll(ErrClosed)
		err = t.ua.Close()
	})
	return err
}

// onRequest runs on a sipgo goroutine. It hands the request to the core and
// keeps the server transaction referenced until the core is done with it.
func (t *SIPTransport) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	in := &inbound{req: req, tx: tx, done: make(chan struct{})}
	msg := toMessage(req, in)

	t.logger.Debug("RECV",
		zap.String("method", msg.Method),
		zap.String("uri", msg.URI),
		zap.Stringer("source", msg.Source))

	select {
	case t.requests <- msg:
	case <-t.closed:
		return
	}

	var txDone <-chan struct{}
	if tx != nil {
		txDone = tx.Done()
	}
	timer := time.NewTimer(t.holdTimeout)
	defer timer.Stop()

	select {
	case <-in.done:
	case <-txDone:
	case <-timer.C:
	case <-t.closed:
	}
}

func (t *SIPTransport) Respond(_ context.Context, res *message.Response) error {
	in, ok := res.Request.Raw.(*inbound)
	if !ok || in.tx == nil {
		return ErrNoTransaction
	}

	var out *sip.Response
	if raw, ok := res.Raw.(*sip.Response); ok && res.Relayed {
		out = raw.Clone()
		out.RemoveHeader("Via")
	} else {
		out = sip.NewResponseFromRequest(in.req, sip.StatusCode(res.Status), res.Reason, nil)
		for _, c := range res.Contacts {
			out.AppendHeader(sip.NewHeader("Contact", c.String()))
		}
	}

	t.logger.Debug("SEND",
		zap.Int("status", res.Status),
		zap.String("reason", res.Reason),
		zap.Bool("relayed", res.Relayed),
		zap.Stringer("to", res.Request.Source))

	err := in.tx.Respond(out)
	if res.Status >= 200 {
		in.finish()
	}
	return err
}

func (t *SIPTransport) Forward(ctx context.Context, req *message.Request) error {
	in, ok := req.Raw.(*inbound)
	if !ok {
		return ErrNoTransaction
	}
	out, err := outbound(in, req)
	if err != nil {
		return err
	}

	t.logger.Debug("SEND", zap.String("method", req.Method), zap.String("uri", req.URI))

	if out.IsAck() {
		defer in.finish()
		return t.client.WriteRequest(out)
	}

	// responses keep flowing after the handler that forwarded has returned
	tx, err := t.client.TransactionRequest(context.WithoutCancel(ctx), out, sipgo.ClientRequestAddVia)
	if err != nil {
		return err
	}
	go t.pump(in, tx)
	return nil
}

// pump passes every response of a forwarded request back to its sender.
func (t *SIPTransport) pump(in *inbound, tx sip.ClientTransaction) {
	defer in.finish()
	defer tx.Terminate()

	var serverDone <-chan struct{}
	if in.tx != nil {
		serverDone = in.tx.Done()
	}

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if in.tx == nil {
				continue
			}
			fwd := res.Clone()
			fwd.RemoveHeader("Via")
			if err := in.tx.Respond(fwd); err != nil {
				t.logger.Warn("relaying response failed", zap.Int("status", int(res.StatusCode)), zap.Error(err))
				return
			}
			if int(res.StatusCode) >= 200 {
				return
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil && in.tx != nil {
				t.logger.Warn("forwarded transaction failed", zap.String("method", string(in.req.Method)), zap.Error(err))
				in.tx.Respond(sip.NewResponseFromRequest(in.req, sip.StatusCode(message.StatusRequestTimeout), "Request Timeout", nil))
			}
			return
		case <-serverDone:
			return
		case <-t.closed:
			return
		}
	}
}

func (t *SIPTransport) Relay(ctx context.Context, req *message.Request) <-chan Result {
	id, ch := t.pending.add()

	in, ok := req.Raw.(*inbound)
	if !ok {
		t.pending.complete(id, Result{Err: ErrNoTransaction})
		return ch
	}
	out, err := outbound(in, req)
	if err != nil {
		t.pending.complete(id, Result{Err: err})
		return ch
	}

	t.logger.Debug("SEND", zap.String("method", req.Method), zap.String("uri", req.URI), zap.Uint64("relay", id))

	tx, err := t.client.TransactionRequest(ctx, out, sipgo.ClientRequestAddVia)
	if err != nil {
		t.pending.complete(id, Result{Err: err})
		return ch
	}

	go func() {
		defer tx.Terminate()
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					t.pending.complete(id, Result{Err: ErrTerminated})
					return
				}
				out := fromSIP(res, req)
				if out.Provisional() {
					continue
				}
				t.pending.complete(id, Result{Response: out})
				return
			case <-tx.Done():
				err := tx.Err()
				if err == nil {
					err = ErrTerminated
				}
				t.pending.complete(id, Result{Err: err})
				return
			case <-ctx.Done():
				t.pending.complete(id, Result{Err: ctx.Err()})
				return
			}
		}
	}()
	return ch
}

// outbound clones the native request with the rewritten target.
func outbound(in *inbound, req *message.Request) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(req.URI, &target); err != nil {
		return nil, fmt.Errorf("transport: bad target %q: %w", req.URI, err)
	}
	out := in.req.Clone()
	out.Recipient = target
	return out, nil
}

func toMessage(req *sip.Request, in *inbound) *message.Request {
	msg := &message.Request{
		Method: string(req.Method),
		URI:    req.Recipient.String(),
		Source: message.Origin{Network: strings.ToLower(req.Transport()), Addr: req.Source()},
		Raw:    in,
	}
	if to := req.To(); to != nil {
		msg.To = message.NameAddr{DisplayName: to.DisplayName, URI: to.Address.String()}
	}
	if from := req.From(); from != nil {
		msg.From = message.NameAddr{DisplayName: from.DisplayName, URI: from.Address.String()}
	}

	msg.Contacts, msg.Wildcard = contacts(req.GetHeaders("Contact"))

	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			msg.Expires = &n
		}
	}
	return msg
}

func fromSIP(res *sip.Response, req *message.Request) *message.Response {
	out := &message.Response{
		Status:  int(res.StatusCode),
		Reason:  res.Reason,
		Request: req,
		Source:  message.Origin{Network: strings.ToLower(res.Transport()), Addr: res.Source()},
		Relayed: true,
		Raw:     res,
	}
	out.Contacts, _ = contacts(res.GetHeaders("Contact"))
	return out
}

// contacts normalizes Contact headers to a list, reporting "*" separately.
func contacts(headers []sip.Header) ([]message.Contact, bool) {
	list := make([]message.Contact, 0, len(headers))
	wildcard := false
	for _, h := range headers {
		c, ok := h.(*sip.ContactHeader)
		if !ok {
			if strings.TrimSpace(h.Value()) == "*" {
				wildcard = true
			} else {
				list = append(list, message.Contact{URI: h.Value()})
			}
			continue
		}
		if c.Address.Wildcard {
			wildcard = true
			continue
		}

		mc := message.Contact{URI: c.Address.String(), DisplayName: c.DisplayName, Params: map[string]string{}}
		for _, name := range []string{"q", "expires"} {
			if v, ok := c.Params.Get(name); ok {
				mc.Params[name] = v
			}
		}
		list = append(list, mc)
	}
	return list, wildcard
}
