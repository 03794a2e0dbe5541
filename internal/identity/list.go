package identity

// List is an ordered recipient list with set-style comparison. Comparisons
// are symmetric, order-independent, and de-duplicated: a list that names the
// same line twice still matches a list naming it once.
type List []Identity

// NewList builds a list from (localUID, remoteUID) pairs through the
// registry.
func NewList(r *Registry, localUID string, remoteUIDs ...string) List {
	l := make(List, 0, len(remoteUIDs))
	for _, remote := range remoteUIDs {
		l = append(l, r.Identity(localUID, remote))
	}
	return l
}

// ContainsMatch reports whether any member matches id.
func (l List) ContainsMatch(id Identity) bool {
	for _, m := range l {
		if m.Matches(id) {
			return true
		}
	}
	return false
}

// containsSameContact reports whether any member is the same contact as id.
func (l List) containsSameContact(id Identity) bool {
	for _, m := range l {
		if m.IsSameContact(id) {
			return true
		}
	}
	return false
}

// Matches reports whether both lists describe the same set of addresses.
func (l List) Matches(o List) bool {
	if len(l) == 0 || len(o) == 0 {
		return len(l) == len(o)
	}
	for _, m := range l {
		if !o.ContainsMatch(m) {
			return false
		}
	}
	for _, m := range o {
		if !l.ContainsMatch(m) {
			return false
		}
	}
	return true
}

// HasSameContacts reports whether both lists resolve to the same contact
// set, falling back to address matching for unresolved members.
func (l List) HasSameContacts(o List) bool {
	if len(l) == 0 || len(o) == 0 {
		return len(l) == len(o)
	}
	for _, m := range l {
		if !o.containsSameContact(m) {
			return false
		}
	}
	for _, m := range o {
		if !l.containsSameContact(m) {
			return false
		}
	}
	return true
}

// Union returns l extended with members of o that match nothing in l.
func (l List) Union(o List) List {
	out := make(List, len(l), len(l)+len(o))
	copy(out, l)
	for _, m := range o {
		if !out.ContainsMatch(m) {
			out = append(out, m)
		}
	}
	return out
}

// IntersectsWith reports whether any member of l matches any member of o.
func (l List) IntersectsWith(o List) bool {
	for _, m := range l {
		if o.ContainsMatch(m) {
			return true
		}
	}
	return false
}

// AllResolved reports whether every member reached a terminal resolution
// state.
func (l List) AllResolved() bool {
	for _, m := range l {
		if !m.IsResolved() {
			return false
		}
	}
	return true
}

// Unresolved returns the members still awaiting resolution.
func (l List) Unresolved() List {
	var out List
	for _, m := range l {
		if !m.IsResolved() {
			out = append(out, m)
		}
	}
	return out
}

// DisplayNames returns resolved names, falling back to the raw address.
func (l List) DisplayNames() []string {
	names := make([]string, len(l))
	for i, m := range l {
		if n := m.DisplayName(); n != "" {
			names[i] = n
		} else {
			names[i] = m.RemoteUID()
		}
	}
	return names
}
