package registry

import (
	"time"

	"mini-sip/message"
)

// Via records where a registration arrived from.
type Via struct {
	Remote   message.Origin  // the registering client
	Upstream *message.Origin // the upstream registrar that acknowledged it, relay mode only
}

// ContactRecord is one registered contact address of a user.
type ContactRecord struct {
	Identity      string
	Address       string  // canonical contact URI, unique within its user
	Host          string  // host extracted by the validator
	DisplayName   string  // display name from the Contact header, if any
	Priority      float64 // q-value in [0,1]
	ExpiresAt     time.Time
	RegisteredAt  time.Time // first time this address was registered for the user
	RegisteredVia Via
}

// Expired reports whether the record is stale at now.
func (c ContactRecord) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Remaining returns the lifetime left at now, never negative.
func (c ContactRecord) Remaining(now time.Time) time.Duration {
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UserEntry is a point-in-time copy of one user's registrations.
type UserEntry struct {
	Identity     string
	Contacts     map[string]ContactRecord
	Ordered      []string // keys of Contacts, most preferred first
	KnownAliases []string // display names seen for this user, oldest first
}

// OrderedContacts returns the records in priority order.
func (e UserEntry) OrderedContacts() []ContactRecord {
	out := make([]ContactRecord, 0, len(e.Ordered))
	for _, addr := range e.Ordered {
		out = append(out, e.Contacts[addr])
	}
	return out
}

// Store is the registry of live contacts per user identity.
//
// Operations on one user are serialized; operations on different users do not
// contend with each other.
type Store interface {
	// Upsert creates or overwrites the record for c.Address under identity and
	// re-sorts that user's contacts.
	Upsert(identity string, c ContactRecord) ContactRecord

	// Remove deletes one contact. The boolean is false when it was not registered.
	Remove(identity, address string) (ContactRecord, bool)

	// SweepExpired removes every contact of every user with ExpiresAt <= now.
	SweepExpired(now time.Time) []ContactRecord

	// SweepUser is SweepExpired restricted to one user.
	SweepUser(identity string, now time.Time) []ContactRecord

	// LiveContacts returns up to limit (<= 0: all) unexpired contacts in
	// priority order. It never removes anything.
	LiveContacts(identity string, now time.Time, limit int) []ContactRecord

	// AddAliases records display names for an existing user. Unknown users are ignored.
	AddAliases(identity string, names ...string)

	// Entry returns a copy of the user's entry.
	Entry(identity string) (UserEntry, bool)

	// Users lists every identity that currently has an entry.
	Users() []string

	// Len counts stored contacts, expired ones included until swept.
	Len() int
}
