// Package router picks where a request for a user goes.
package router

import (
	"time"

	"mini-sip/metrics"
	"mini-sip/registry"
)

// Resolver routes to the single best live contact of a user: highest q, then
// the longest remaining lifetime. There is no forking.
type Resolver struct {
	store   registry.Store
	metrics *metrics.Metrics
}

func New(store registry.Store, m *metrics.Metrics) *Resolver {
	return &Resolver{store: store, metrics: m}
}

// Resolve returns false when the user is unknown or has nothing live at now.
func (r *Resolver) Resolve(identity string, now time.Time) (registry.ContactRecord, bool) {
	live := r.store.LiveContacts(identity, now, 1)
	r.metrics.RouteResolved(len(live) > 0)
	if len(live) == 0 {
		return registry.ContactRecord{}, false
	}
	return live[0], true
}
