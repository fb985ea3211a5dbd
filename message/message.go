// Package message defines the request and response shapes exchanged between the
// registrar core and the transport that parses SIP off the wire.
//
// A Request is the "envelope" for every inbound message. The transport fills it in
// from the parsed SIP message and keeps its own native object in Raw, so that
// responses and forwarded requests can be matched back to the right transaction.
//
//   - On REGISTER: To carries the address-of-record, Contacts the bindings, Expires the lifetime.
//   - On anything else: URI is the target that gets rewritten before forwarding.
//   - A Request with an empty Method is a stray response that reached the request path.
package message

import (
	"sort"
	"strings"
)

const MethodRegister = "REGISTER"

// Status codes produced by the registrar itself. Upstream responses are relayed
// with whatever code they carry.
const (
	StatusTrying              = 100
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusRequestTimeout      = 408
	StatusServerInternalError = 500
	StatusNotImplemented      = 501
	StatusServiceUnavailable  = 503
)

// Origin is the network peer a message came from.
type Origin struct {
	Network string // "udp", "tcp", ...
	Addr    string // host:port
}

func (o Origin) String() string {
	if o.Network == "" {
		return o.Addr
	}
	return o.Network + "/" + o.Addr
}

// NameAddr is a To/From style header value: an optional display name and a URI.
type NameAddr struct {
	DisplayName string
	URI         string
}

// Contact is one entry of a Contact header. Params holds raw header parameters
// such as "q" and "expires"; they are interpreted by the registrar, not here.
type Contact struct {
	URI         string
	DisplayName string
	Params      map[string]string
}

// Param returns the raw value of a contact parameter.
func (c Contact) Param(name string) (string, bool) {
	v, ok := c.Params[strings.ToLower(name)]
	return v, ok
}

// String renders the contact as a header value: `"Name" <uri>;k=v`, parameters sorted by key.
func (c Contact) String() string {
	var b strings.Builder
	if c.DisplayName != "" {
		b.WriteString(`"`)
		b.WriteString(c.DisplayName)
		b.WriteString(`" `)
	}
	b.WriteString("<")
	b.WriteString(c.URI)
	b.WriteString(">")

	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(";")
		b.WriteString(k)
		if v := c.Params[k]; v != "" {
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	return b.String()
}

// Request is a parsed inbound SIP request.
type Request struct {
	Method   string
	URI      string // Request-URI, the routing target
	To       NameAddr
	From     NameAddr
	Contacts []Contact // always a list; "Contact: *" sets Wildcard instead
	Wildcard bool
	Expires  *int // Expires header in seconds, nil when absent
	Source   Origin
	Raw      any // transport-native message, opaque to the core
}

// IsResponse reports whether the message carries no method, i.e. it is a
// response that arrived where only requests are expected.
func (r *Request) IsResponse() bool {
	return r.Method == ""
}

// Clone returns a copy that can be rewritten without touching r. Raw is shared.
func (r *Request) Clone() *Request {
	c := *r
	c.Contacts = make([]Contact, len(r.Contacts))
	for i, ct := range r.Contacts {
		c.Contacts[i] = ct
		if ct.Params != nil {
			c.Contacts[i].Params = make(map[string]string, len(ct.Params))
			for k, v := range ct.Params {
				c.Contacts[i].Params[k] = v
			}
		}
	}
	if r.Expires != nil {
		e := *r.Expires
		c.Expires = &e
	}
	return &c
}

// Response answers a Request.
type Response struct {
	Status   int
	Reason   string
	Contacts []Contact // echoed registration set on a successful REGISTER
	Request  *Request  // the request being answered
	Source   Origin    // who produced it; the upstream peer for relayed responses
	Relayed  bool      // true when this is an upstream response passed back to the client
	Raw      any
}

// NewResponse builds a locally generated response to req.
func NewResponse(req *Request, status int, reason string) *Response {
	return &Response{
		Status:  status,
		Reason:  reason,
		Request: req,
	}
}

// Success reports a 2xx final response.
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Provisional reports a 1xx response.
func (r *Response) Provisional() bool {
	return r.Status >= 100 && r.Status < 200
}

// ContactURIs lists the contact addresses carried by the response, in order.
func (r *Response) ContactURIs() []string {
	uris := make([]string, 0, len(r.Contacts))
	for _, c := range r.Contacts {
		uris = append(uris, c.URI)
	}
	return uris
}
