// Package filter implements the proxy's three-list name/path/interface
// matching rules.
package filter

import (
	"strings"
	"sync"
)

// wildcardSuffixes are the trailing markers the original implementation
// treated as "this rule is a regular expression" — in practice they are
// never anything but a suffix, and matching is always substring
// ("contains") matching once the marker is stripped.
const wildcardSuffixes = "*+?"

// isWildcard reports whether rule ends in one of the suffix markers.
func isWildcard(rule string) bool {
	if rule == "" {
		return false
	}
	return strings.ContainsRune(wildcardSuffixes, rune(rule[len(rule)-1]))
}

// stripWildcard removes a trailing wildcard marker, if present.
func stripWildcard(rule string) string {
	if isWildcard(rule) {
		return rule[:len(rule)-1]
	}
	return rule
}

// Filter holds the three independent rule lists and arbitrates whether a
// given D-Bus message's (name, path, interface) matches any of them.
type Filter struct {
	mu     sync.RWMutex
	names  []string
	paths  []string
	ifaces []string
}

// New returns an empty Filter.
func New() *Filter {
	return &Filter{}
}

// AddNameFilter appends name to the name rule list unless it is already
// present.
func (f *Filter) AddNameFilter(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = addUnique(f.names, name)
}

// AddPathFilter appends path to the path rule list unless it is already
// present.
func (f *Filter) AddPathFilter(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = addUnique(f.paths, path)
}

// AddInterfaceFilter appends iface to the interface rule list unless it
// is already present.
func (f *Filter) AddInterfaceFilter(iface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaces = addUnique(f.ifaces, iface)
}

// addUnique appends val to list unless it is already present.
func addUnique(list []string, val string) []string {
	for _, existing := range list {
		if existing == val {
			return list
		}
	}
	return append(list, val)
}

// IsMessageMatch reports whether the given message fields match the
// configured rules. At least one field must be non-empty, and every
// non-empty field must match its corresponding rule list; a message
// with all three fields empty never matches.
func (f *Filter) IsMessageMatch(name, path, iface string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if name == "" && path == "" && iface == "" {
		return false
	}

	if name != "" && !matchesAny(name, f.names) {
		return false
	}
	if path != "" && !matchesAny(path, f.paths) {
		return false
	}
	if iface != "" && !matchesAny(iface, f.ifaces) {
		return false
	}
	return true
}

// matchesAny reports whether data matches at least one rule in list. A
// plain literal rule matches only by exact equality; a wildcard-suffixed
// rule matches by substring ("contains") against the de-wildcarded rule.
func matchesAny(data string, list []string) bool {
	for _, rule := range list {
		if !isWildcard(rule) {
			if rule == data {
				return true
			}
			continue
		}
		needle := stripWildcard(rule)
		if needle != "" && strings.Contains(data, needle) {
			return true
		}
	}
	return false
}

// Dump returns a snapshot of the three rule lists, for logging.
func (f *Filter) Dump() (names, paths, ifaces []string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.names...),
		append([]string(nil), f.paths...),
		append([]string(nil), f.ifaces...)
}
