// Package registrar applies REGISTER batches to the registry.
//
// A batch is processed contact by contact: one malformed contact is reported
// back in Result.Rejected and never prevents the others from being stored.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-sip/contact"
	"mini-sip/message"
	"mini-sip/metrics"
	"mini-sip/registry"
)

// DefaultExpires applies when neither the request nor the contact says otherwise.
const DefaultExpires = 3600 * time.Second

// MaxExpires caps any requested lifetime (RFC 3261 §20.19).
const MaxExpires = (1<<32 - 1) * time.Second

const maxExpiresSeconds = 1<<32 - 1

var (
	ErrNoIdentity  = errors.New("registrar: empty user identity")
	ErrBadPriority = errors.New("registrar: q must be a number in [0,1]")
	ErrBadExpires  = errors.New("registrar: expires must be a non-negative integer")
)

// Request is a REGISTER normalized at the boundary: the Contact header is
// always a list, and "Contact: *" is carried as Wildcard.
type Request struct {
	Identity string
	ToName   string
	FromName string
	Contacts []message.Contact
	Wildcard bool
	Expires  *int // seconds; nil means DefaultExpires
	Remote   message.Origin
	Upstream *message.Origin // set in relay mode, the registrar that accepted it first
}

type Result struct {
	Entry    registry.UserEntry // state after the batch; zero when the user has no entry
	Accepted []string           // canonical addresses stored or removed
	Rejected []string           // raw addresses that failed validation
	Removed  []string           // addresses removed by a zero lifetime
}

// Partial reports whether any contact of the batch was rejected.
func (r Result) Partial() bool {
	return len(r.Rejected) > 0
}

type Processor struct {
	store          registry.Store
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *metrics.Metrics
	defaultExpires time.Duration
}

type Option func(*Processor)

func WithClock(c clock.Clock) Option { return func(p *Processor) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Processor) { p.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithDefaultExpires(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.defaultExpires = d
		}
	}
}

func New(store registry.Store, opts ...Option) *Processor {
	p := &Processor{
		store:          store,
		clock:          clock.New(),
		logger:         zap.NewNop(),
		defaultExpires: DefaultExpires,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process applies req to the store. It fails only for an empty identity or a
// done ctx, in which case the registry is left untouched.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if req.Identity == "" {
		return Result{}, ErrNoIdentity
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := p.clock.Now()
	headerLifetime, headerErr := p.lifetime(req.Expires)

	contacts := req.Contacts
	if req.Wildcard {
		contacts = p.expandWildcard(req.Identity, now)
	}

	var res Result
	aliases := []string{req.ToName, req.FromName}
	via := registry.Via{Remote: req.Remote, Upstream: req.Upstream}

	for _, c := range contacts {
		addr, lifetime, q, err := p.admit(c, headerLifetime, headerErr)
		if err != nil {
			p.logger.Debug("contact rejected",
				zap.String("identity", req.Identity),
				zap.String("contact", c.URI),
				zap.Error(err))
			res.Rejected = append(res.Rejected, c.URI)
			continue
		}

		res.Accepted = append(res.Accepted, addr.URI)
		if c.DisplayName != "" {
			aliases = append(aliases, c.DisplayName)
		}

		if lifetime == 0 {
			if _, ok := p.store.Remove(req.Identity, addr.URI); ok {
				res.Removed = append(res.Removed, addr.URI)
			}
			continue
		}
		p.store.Upsert(req.Identity, registry.ContactRecord{
			Address:       addr.URI,
			Host:          addr.Host,
			DisplayName:   c.DisplayName,
			Priority:      q,
			ExpiresAt:     now.Add(lifetime),
			RegisteredAt:  now,
			RegisteredVia: via,
		})
	}

	p.store.AddAliases(req.Identity, aliases...)

	swept := p.store.SweepUser(req.Identity, now)
	p.metrics.ContactsEvicted(len(swept))
	p.metrics.RegistrationProcessed(len(res.Accepted), len(res.Rejected), len(res.Removed))

	res.Entry, _ = p.store.Entry(req.Identity)

	p.logger.Debug("registration processed",
		zap.String("identity", req.Identity),
		zap.Strings("accepted", res.Accepted),
		zap.Strings("rejected", res.Rejected),
		zap.Int("removed", len(res.Removed)),
		zap.Int("swept", len(swept)),
		zap.Stringer("remote", req.Remote))
	return res, nil
}

// admit validates one contact and resolves its lifetime and priority.
func (p *Processor) admit(c message.Contact, headerLifetime time.Duration, headerErr error) (contact.Address, time.Duration, float64, error) {
	addr, err := contact.Validate(c.URI)
	if err != nil {
		return contact.Address{}, 0, 0, err
	}

	lifetime, err := headerLifetime, headerErr
	if v, ok := c.Param("expires"); ok {
		lifetime, err = parseExpires(v)
	}
	if err != nil {
		return contact.Address{}, 0, 0, err
	}

	var q float64
	if v, ok := c.Param("q"); ok {
		q, err = parsePriority(v)
		if err != nil {
			return contact.Address{}, 0, 0, err
		}
	}
	return addr, lifetime, q, nil
}

func (p *Processor) lifetime(expires *int) (time.Duration, error) {
	if expires == nil {
		return p.defaultExpires, nil
	}
	if *expires < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadExpires, *expires)
	}
	return clampSeconds(uint64(*expires)), nil
}

// expandWildcard turns "Contact: *" into the user's live contacts, keeping
// their priority so a refresh does not reorder them.
func (p *Processor) expandWildcard(identity string, now time.Time) []message.Contact {
	live := p.store.LiveContacts(identity, now, 0)
	contacts := make([]message.Contact, 0, len(live))
	for _, rec := range live {
		contacts = append(contacts, message.Contact{
			URI:         rec.Address,
			DisplayName: rec.DisplayName,
			Params:      map[string]string{"q": strconv.FormatFloat(rec.Priority, 'f', -1, 64)},
		})
	}
	return contacts
}

func parseExpires(v string) (time.Duration, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return MaxExpires, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadExpires, v)
	}
	return clampSeconds(n), nil
}

func clampSeconds(n uint64) time.Duration {
	if n > maxExpiresSeconds {
		return MaxExpires
	}
	return time.Duration(n) * time.Second
}

func parsePriority(v string) (float64, error) {
	q, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(q) || q < 0 || q > 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadPriority, v)
	}
	return q, nil
}
