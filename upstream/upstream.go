// Package upstream decides which registrar relayed traffic goes to.
//
// A relay either has one fixed upstream from configuration (Static) or finds
// upstreams through discovery and balances across them (Discovered).
package upstream

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"mini-sip/discovery"
	"mini-sip/loadbalance"
)

var ErrNoUpstream = errors.New("upstream: no upstream registrar available")

// DefaultPort is used when a configured upstream has no port.
const DefaultPort = 5060

type Target struct {
	Host string
	Port int
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Resolver returns the upstream for a request of the given user.
type Resolver interface {
	Pick(ctx context.Context, identity string) (Target, error)
}

// Static always returns the same target.
type Static struct {
	target Target
}

func NewStatic(host string, port int) *Static {
	if port == 0 {
		port = DefaultPort
	}
	return &Static{target: Target{Host: host, Port: port}}
}

func (s *Static) Pick(context.Context, string) (Target, error) {
	if s.target.Host == "" {
		return Target{}, ErrNoUpstream
	}
	return s.target, nil
}

// Discovered keeps a cached instance list fed by a discovery watch and lets
// the balancer choose per request. When the cache is empty it asks discovery
// directly, so the first requests after startup do not fail.
type Discovered struct {
	registry discovery.Registry
	service  string
	balancer loadbalance.Balancer
	logger   *zap.Logger

	mu        sync.RWMutex
	instances []discovery.Instance
}

// NewDiscovered starts watching service. The watch ends with ctx.
func NewDiscovered(ctx context.Context, reg discovery.Registry, service string, bal loadbalance.Balancer, logger *zap.Logger) *Discovered {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discovered{
		registry: reg,
		service:  service,
		balancer: bal,
		logger:   logger,
	}

	if instances, err := reg.Discover(ctx, service); err != nil {
		logger.Warn("initial upstream discovery failed", zap.String("service", service), zap.Error(err))
	} else {
		d.set(instances)
	}

	updates := reg.Watch(ctx, service)
	go func() {
		for instances := range updates {
			d.set(instances)
		}
	}()
	return d
}

func (d *Discovered) set(instances []discovery.Instance) {
	d.mu.Lock()
	d.instances = instances
	d.mu.Unlock()
	d.logger.Info("upstream instances updated",
		zap.String("service", d.service),
		zap.Int("count", len(instances)),
		zap.String("balancer", d.balancer.Name()))
}

func (d *Discovered) Instances() []discovery.Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.instances
}

func (d *Discovered) Pick(ctx context.Context, identity string) (Target, error) {
	instances := d.Instances()
	if len(instances) == 0 {
		var err error
		instances, err = d.registry.Discover(ctx, d.service)
		if err != nil {
			return Target{}, errors.Join(ErrNoUpstream, err)
		}
		if len(instances) > 0 {
			d.set(instances)
		}
	}

	inst, err := d.balancer.Pick(identity, instances)
	if err != nil {
		return Target{}, errors.Join(ErrNoUpstream, err)
	}
	host, port, err := inst.HostPort()
	if err != nil {
		return Target{}, err
	}
	return Target{Host: host, Port: port}, nil
}
