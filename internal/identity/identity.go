// Package identity models (account, address) pairs with phone-aware
// equivalence and shared contact-resolution state. Instances for the same
// canonical pair are interned through a weak registry, so equality of the
// boxed value is a pointer comparison and resolution state is shared by
// every holder.
package identity

import (
	"hash/fnv"
	"strings"
	"sync"
)

// ResolveStatus tracks where an identity is in contact resolution.
// Unresolved means not yet attempted; NoMatch is a valid terminal state,
// distinct from an error.
type ResolveStatus int

const (
	StatusUnresolved ResolveStatus = iota
	StatusPending
	StatusResolved
	StatusNoMatch
)

// payload is the shared, interned state behind every Identity with the same
// canonical key.
type payload struct {
	localUID  string
	remoteUID string
	minimized string // canonical phone suffix, "" for non-phone accounts
	key       string
	hash      uint64

	mu          sync.Mutex
	status      ResolveStatus
	contactID   int64
	displayName string
	stateHash   uint64
}

// Identity is an (account, address) pair. The zero value is invalid;
// construct through Registry.Identity.
type Identity struct {
	p *payload
}

// IsNil reports whether the identity was never constructed.
func (i Identity) IsNil() bool { return i.p == nil }

// LocalUID returns the account identifier.
func (i Identity) LocalUID() string { return i.p.localUID }

// RemoteUID returns the raw remote address.
func (i Identity) RemoteUID() string { return i.p.remoteUID }

// Key returns the canonical dedup key. Stable per interned payload; usable
// as a cache key.
func (i Identity) Key() string { return i.p.key }

// Same reports whether both identities share the interned payload. This is
// the O(1) boxed-instance equality.
func (i Identity) Same(o Identity) bool { return i.p == o.p }

// Matches reports semantic address equivalence: equal non-empty canonical
// suffixes for telephony accounts, exact normalized address on the same
// account otherwise. An address that minimizes to empty falls back to
// literal comparison, so non-numeric addresses never spuriously match.
func (i Identity) Matches(o Identity) bool {
	if i.p == nil || o.p == nil {
		return false
	}
	if i.p == o.p {
		return true
	}
	// Hash fast path: different hashes cannot match.
	if i.p.hash != o.p.hash {
		return false
	}
	return i.matchesSlow(o.p.localUID, o.p.remoteUID, o.p.minimized)
}

// MatchesAddress reports whether the identity's address is equivalent to a
// raw address under the same rules as Matches.
func (i Identity) MatchesAddress(raw string) bool {
	if i.p == nil {
		return false
	}
	min := ""
	if IsPhoneAccount(i.p.localUID) {
		min = MinimizePhoneNumber(raw)
	}
	return i.matchesSlow(i.p.localUID, raw, min)
}

func (i Identity) matchesSlow(localUID, remoteUID, minimized string) bool {
	if IsPhoneAccount(i.p.localUID) && IsPhoneAccount(localUID) {
		if i.p.minimized != "" && minimized != "" {
			return i.p.minimized == minimized
		}
		// Minimization came up empty for one side: literal comparison.
		return i.p.remoteUID == remoteUID
	}
	return i.p.localUID == localUID &&
		strings.EqualFold(i.p.remoteUID, remoteUID)
}

// IsSameContact reports whether both identities resolved to the same
// directory contact; when either side has no contact it falls back to
// Matches.
func (i Identity) IsSameContact(o Identity) bool {
	if i.p == nil || o.p == nil {
		return false
	}
	a := i.ContactID()
	b := o.ContactID()
	if a != 0 && b != 0 {
		return a == b
	}
	return i.Matches(o)
}

// ContactID returns the resolved directory contact id, 0 for none.
func (i Identity) ContactID() int64 {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return i.p.contactID
}

// DisplayName returns the resolved display name, "" if unresolved.
func (i Identity) DisplayName() string {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return i.p.displayName
}

// Status returns the resolution status.
func (i Identity) Status() ResolveStatus {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	return i.p.status
}

// IsResolved reports whether resolution reached a terminal state.
func (i Identity) IsResolved() bool {
	s := i.Status()
	return s == StatusResolved || s == StatusNoMatch
}

// MarkPending transitions an unresolved identity to pending. Returns false
// if resolution was already attempted or is in flight.
func (i Identity) MarkPending() bool {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	if i.p.status != StatusUnresolved {
		return false
	}
	i.p.status = StatusPending
	return true
}

// ClearPending returns a pending identity to unresolved, so a failed
// directory round-trip reads as "not yet attempted" rather than "no match".
func (i Identity) ClearPending() {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	if i.p.status == StatusPending {
		i.p.status = StatusUnresolved
	}
}

// SetResolved records a directory answer on the shared payload and reports
// whether anything meaningful changed. The state hash folds the fields a
// consumer would re-render on (contact id, name, capability flags), so
// re-resolving with an unchanged directory is detected without a deep
// comparison.
func (i Identity) SetResolved(contactID int64, displayName string, capabilities uint32) (significant bool) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(displayName))
	var buf [12]byte
	buf[0] = byte(contactID)
	buf[1] = byte(contactID >> 8)
	buf[2] = byte(contactID >> 16)
	buf[3] = byte(contactID >> 24)
	buf[4] = byte(contactID >> 32)
	buf[5] = byte(contactID >> 40)
	buf[6] = byte(contactID >> 48)
	buf[7] = byte(contactID >> 56)
	buf[8] = byte(capabilities)
	buf[9] = byte(capabilities >> 8)
	buf[10] = byte(capabilities >> 16)
	buf[11] = byte(capabilities >> 24)
	_, _ = h.Write(buf[:])
	newHash := h.Sum64()

	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	prev := i.p.stateHash
	prevStatus := i.p.status
	i.p.contactID = contactID
	i.p.displayName = displayName
	i.p.stateHash = newHash
	if contactID == 0 {
		i.p.status = StatusNoMatch
	} else {
		i.p.status = StatusResolved
	}
	if prevStatus == StatusUnresolved || prevStatus == StatusPending {
		return true
	}
	return prev != newHash
}

// canonicalKey builds the dedup key: the minimized suffix for telephony
// addresses, the case-folded literal address otherwise.
func canonicalKey(localUID, remoteUID string) (key string, minimized string, hash uint64) {
	if IsPhoneAccount(localUID) {
		minimized = MinimizePhoneNumber(remoteUID)
		// A digitless address falls back to literal comparison, which is
		// case-sensitive, so the key must not fold case either.
		addr := remoteUID
		if minimized != "" {
			addr = minimized
		}
		// All telephony accounts share one key space so cross-SIM numbers
		// dedup to the same instance.
		key = "tel|" + addr
	} else {
		key = localUID + "|" + strings.ToLower(remoteUID)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return key, minimized, h.Sum64()
}
