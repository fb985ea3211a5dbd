// Package sweeper periodically evicts expired contacts from the registry.
//
// Routing never returns an expired contact even before it is swept; the
// sweeper only bounds memory for users that register once and disappear.
package sweeper

import (
	"context"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-sip/metrics"
	"mini-sip/registry"
)

const DefaultInterval = time.Hour

// Report describes one sweep.
type Report struct {
	At      time.Time
	Removed []registry.ContactRecord
}

// Identities lists the distinct users that lost contacts, sorted.
func (r Report) Identities() []string {
	ids := make([]string, 0, len(r.Removed))
	for _, c := range r.Removed {
		ids = append(ids, c.Identity)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

type Sweeper struct {
	store    registry.Store
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onSweep  func(Report)
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(c clock.Clock) Option { return func(s *Sweeper) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Sweeper) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithOnSweep registers a hook called after every sweep, from the sweeping goroutine.
func WithOnSweep(fn func(Report)) Option { return func(s *Sweeper) { s.onSweep = fn } }

func New(store registry.Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: DefaultInterval,
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run sweeps every interval until ctx is done. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce removes every contact that is expired now.
func (s *Sweeper) SweepOnce() Report {
	start := time.Now()
	now := s.clock.Now()
	report := Report{At: now, Removed: s.store.SweepExpired(now)}

	s.metrics.ContactsEvicted(len(report.Removed))
	s.metrics.SweepObserved(time.Since(start))

	if len(report.Removed) > 0 {
		s.logger.Info("expired contacts swept",
			zap.Int("removed", len(report.Removed)),
			zap.Strings("identities", report.Identities()))
	} else {
		s.logger.Debug("sweep found nothing expired")
	}

	if s.onSweep != nil {
		s.onSweep(report)
	}
	return report
}
