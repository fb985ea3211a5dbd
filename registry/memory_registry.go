// Package registry keeps the in-memory location table: for every user identity,
// the set of contact addresses it is reachable at, with expiry and priority.
//
// The table is partitioned twice so that unrelated users never wait on each other:
//
//	identity ──xxhash──► shard (RWMutex, map identity → *userEntry)
//	                          └──► userEntry (RWMutex, contacts + ordered list)
//
// Shard locks are held only long enough to find or create an entry. All contact
// mutations happen under the entry lock. Lock order is always shard → entry.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultShards     = 64
	defaultAliasLimit = 32
)

// MemoryRegistry implements Store in process memory. Nothing survives a restart.
type MemoryRegistry struct {
	shards     []*shard
	aliasLimit int
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*userEntry
}

type userEntry struct {
	mu       sync.RWMutex
	identity string
	contacts map[string]ContactRecord
	ordered  []string
	aliases  *lru.Cache[string, struct{}]
	unlinked bool // set once the entry has been pruned from its shard
}

type Option func(*MemoryRegistry)

// WithShards sets the number of partitions. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(r *MemoryRegistry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithAliasLimit caps how many display names are remembered per user.
func WithAliasLimit(n int) Option {
	return func(r *MemoryRegistry) {
		if n > 0 {
			r.aliasLimit = n
		}
	}
}

func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	r := &MemoryRegistry{
		shards:     make([]*shard, defaultShards),
		aliasLimit: defaultAliasLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*userEntry)}
	}
	return r
}

func (r *MemoryRegistry) shardFor(identity string) *shard {
	return r.shards[xxhash.Sum64String(identity)%uint64(len(r.shards))]
}

func (r *MemoryRegistry) lookup(identity string) *userEntry {
	sh := r.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[identity]
}

// lockEntry returns the user's entry write-locked, creating it when create is
// set. It returns nil when the user is unknown and create is false.
func (r *MemoryRegistry) lockEntry(identity string, create bool) *userEntry {
	sh := r.shardFor(identity)
	for {
		e := r.lookup(identity)
		if e == nil {
			if !create {
				return nil
			}
			sh.mu.Lock()
			e = sh.entries[identity]
			if e == nil {
				e = r.newEntry(identity)
				sh.entries[identity] = e
			}
			sh.mu.Unlock()
		}

		e.mu.Lock()
		if !e.unlinked {
			return e
		}
		// Pruned between lookup and lock; the shard no longer points at it.
		e.mu.Unlock()
	}
}

func (r *MemoryRegistry) newEntry(identity string) *userEntry {
	aliases, _ := lru.New[string, struct{}](r.aliasLimit)
	return &userEntry{
		identity: identity,
		contacts: make(map[string]ContactRecord),
		aliases:  aliases,
	}
}

func (r *MemoryRegistry) Upsert(identity string, c ContactRecord) ContactRecord {
	e := r.lockEntry(identity, true)
	defer e.mu.Unlock()

	c.Identity = identity
	if old, ok := e.contacts[c.Address]; ok {
		if !old.RegisteredAt.IsZero() {
			c.RegisteredAt = old.RegisteredAt
		}
	} else {
		e.ordered = append(e.ordered, c.Address)
	}
	e.contacts[c.Address] = c
	e.sort()
	return c
}

func (r *MemoryRegistry) Remove(identity, address string) (ContactRecord, bool) {
	e := r.lockEntry(identity, false)
	if e == nil {
		return ContactRecord{}, false
	}
	defer e.mu.Unlock()

	c, ok := e.contacts[address]
	if !ok {
		return ContactRecord{}, false
	}
	delete(e.contacts, address)
	if i := slices.Index(e.ordered, address); i >= 0 {
		e.ordered = slices.Delete(e.ordered, i, i+1)
	}
	return c, true
}

func (r *MemoryRegistry) SweepExpired(now time.Time) []ContactRecord {
	var removed []ContactRecord
	for _, sh := range r.shards {
		sh.mu.RLock()
		entries := make([]*userEntry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			removed = append(removed, e.sweep(now)...)
			empty := len(e.contacts) == 0
			e.mu.Unlock()

			if empty {
				r.prune(sh, e)
			}
		}
	}
	return removed
}

func (r *MemoryRegistry) SweepUser(identity string, now time.Time) []ContactRecord {
	e := r.lockEntry(identity, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	return e.sweep(now)
}

// prune unlinks an entry that is still empty. Aliases of a user without
// contacts are dropped with it.
func (r *MemoryRegistry) prune(sh *shard, e *userEntry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.contacts) == 0 && sh.entries[e.identity] == e {
		delete(sh.entries, e.identity)
		e.unlinked = true
	}
}

func (r *MemoryRegistry) LiveContacts(identity string, now time.Time, limit int) []ContactRecord {
	e := r.lookup(identity)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var live []ContactRecord
	for _, addr := range e.ordered {
		c := e.contacts[addr]
		if c.Expired(now) {
			continue
		}
		live = append(live, c)
		if limit > 0 && len(live) >= limit {
			break
		}
	}
	return live
}

func (r *MemoryRegistry) AddAliases(identity string, names ...string) {
	e := r.lockEntry(identity, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	for _, name := range names {
		if name != "" {
			e.aliases.Add(name, struct{}{})
		}
	}
}

func (r *MemoryRegistry) Entry(identity string) (UserEntry, bool) {
	e := r.lookup(identity)
	if e == nil {
		return UserEntry{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.unlinked {
		return UserEntry{}, false
	}

	contacts := make(map[string]ContactRecord, len(e.contacts))
	for k, v := range e.contacts {
		contacts[k] = v
	}
	return UserEntry{
		Identity:     e.identity,
		Contacts:     contacts,
		Ordered:      slices.Clone(e.ordered),
		KnownAliases: e.aliases.Keys(),
	}, true
}

func (r *MemoryRegistry) Users() []string {
	var users []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.entries {
			users = append(users, id)
		}
		sh.mu.RUnlock()
	}
	slices.Sort(users)
	return users
}

func (r *MemoryRegistry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			e.mu.RLock()
			n += len(e.contacts)
			e.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}
	return n
}

// sort orders contacts by priority, then by remaining lifetime, both descending.
// Equal contacts keep their previous relative order. Caller holds e.mu.
func (e *userEntry) sort() {
	slices.SortStableFunc(e.ordered, func(a, b string) int {
		ca, cb := e.contacts[a], e.contacts[b]
		switch {
		case ca.Priority > cb.Priority:
			return -1
		case ca.Priority < cb.Priority:
			return 1
		}
		return cb.ExpiresAt.Compare(ca.ExpiresAt)
	})
}

// sweep drops expired contacts. Filtering keeps the order intact. Caller holds e.mu.
func (e *userEntry) sweep(now time.Time) []ContactRecord {
	var removed []ContactRecord
	kept := e.ordered[:0]
	for _, addr := range e.ordered {
		c := e.contacts[addr]
		if c.Expired(now) {
			delete(e.contacts, addr)
			removed = append(removed, c)
			continue
		}
		kept = append(kept, addr)
	}
	e.ordered = kept
	return removed
}
