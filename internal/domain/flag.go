package domain

import (
	"fmt"
	"sort"
	"time"
)

// FlagMap is an immutable snapshot of every flag known to the remote source,
// keyed by flag name. A snapshot is produced by one gateway call and is only
// ever replaced wholesale, never mutated in place.
type FlagMap map[string]bool

// Get returns the value of a flag. Absent flags are false.
func (m FlagMap) Get(name string) bool {
	return m[name]
}

// Clone returns an independent copy of the snapshot.
func (m FlagMap) Clone() FlagMap {
	out := make(FlagMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the flag names in lexical order.
func (m FlagMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Changed reports whether the named flag differs between prev and m,
// treating absence as false on both sides.
func (m FlagMap) Changed(prev FlagMap, name string) bool {
	return m.Get(name) != prev.Get(name)
}

// Diff returns the names whose effective value differs from prev, sorted.
func (m FlagMap) Diff(prev FlagMap) []string {
	seen := make(map[string]struct{}, len(m)+len(prev))
	var changed []string

	for _, src := range []FlagMap{m, prev} {
		for name := range src {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			if m.Changed(prev, name) {
				changed = append(changed, name)
			}
		}
	}

	sort.Strings(changed)
	return changed
}

// ChangeEvent describes one observed change of a single flag between two
// consecutive poll cycles.
type ChangeEvent struct {
	Flag     string
	Value    bool
	Previous bool
	Cycle    uint64
	At       time.Time
}

// String returns a human-readable description of the event
func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s: %t -> %t (cycle %d)", e.Flag, e.Previous, e.Value, e.Cycle)
}

// ValidateFlagName rejects names that can never match a remote flag.
func ValidateFlagName(name string) error {
	if name == "" {
		return NewValidationError("flag name cannot be empty")
	}
	return nil
}
