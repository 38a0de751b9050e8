package core

// ReferenceSet is a named, versioned allowlist/watchlist injected into
// predicate evaluation (the in_ref operator). Known admin accounts, trusted
// egress IPs, sanctioned OAuth apps and the like are loaded as data alongside
// rules instead of being hardcoded into rule bodies.
type ReferenceSet struct {
	Name    string   `yaml:"name" json:"name"`
	Version int      `yaml:"version" json:"version"`
	Values  []string `yaml:"values" json:"values"`

	members map[string]struct{}
}

// Build indexes the value list for membership checks. Called once at load;
// the set is immutable afterwards.
func (rs *ReferenceSet) Build() {
	rs.members = make(map[string]struct{}, len(rs.Values))
	for _, v := range rs.Values {
		rs.members[v] = struct{}{}
	}
}

// Contains reports membership of v.
func (rs *ReferenceSet) Contains(v string) bool {
	if rs.members == nil {
		rs.Build()
	}
	_, ok := rs.members[v]
	return ok
}

// ReferenceSets maps set name to set. Owned by the rule registry and swapped
// atomically together with the rule set.
type ReferenceSets map[string]*ReferenceSet
