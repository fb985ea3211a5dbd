// Package discovery locates upstream registrars and announces this one.
//
// An upstream authority is an Instance published under a service name. In relay
// mode the dispatcher asks discovery for the current instances and lets a
// balancer pick one; a registrar that is itself meant to be an upstream can
// announce its own address with a TTL so relays find it.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
)

var ErrBadInstance = errors.New("discovery: instance address must be host:port")

// Instance is one reachable registrar.
type Instance struct {
	Addr    string `json:"addr"` // host:port
	Weight  int    `json:"weight,omitempty"`
	Version string `json:"version,omitempty"`
}

// HostPort splits Addr.
func (i Instance) HostPort() (string, int, error) {
	host, p, err := net.SplitHostPort(i.Addr)
	if err != nil {
		return "", 0, errors.Join(ErrBadInstance, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || host == "" {
		return "", 0, ErrBadInstance
	}
	return host, port, nil
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Instance
}
