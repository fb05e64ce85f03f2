// Package scope parses and formats the recognized OAuth scope set.
package scope

import (
	"strings"

	"github.com/example/ssoportal/internal/apierr"
)

// Set is a set of recognized scopes.
type Set uint8

const (
	Username Set = 1 << iota
	Email
	Permissions
)

// Full is every recognized scope. First-party tokens carry it.
const Full = Username | Email | Permissions

// names is ordered; String output follows it.
var names = []struct {
	bit  Set
	name string
}{
	{Username, "username"},
	{Email, "email"},
	{Permissions, "permissions"},
}

// Parse reads a space-delimited scope parameter. Unknown names are rejected.
func Parse(raw string) (Set, error) {
	var s Set
	for _, field := range strings.Fields(raw) {
		bit, ok := lookup(field)
		if !ok {
			return 0, apierr.Newf(apierr.InvalidScope, "unknown scope %q", field)
		}
		s |= bit
	}
	return s, nil
}

func lookup(name string) (Set, bool) {
	for _, n := range names {
		if n.name == name {
			return n.bit, true
		}
	}
	return 0, false
}

// Has reports whether every scope in o is in s.
func (s Set) Has(o Set) bool { return s&o == o }

// SubsetOf reports whether s carries no scope outside o.
func (s Set) SubsetOf(o Set) bool { return s&^o == 0 }

// Names returns the scope names in canonical order.
func (s Set) Names() []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if s.Has(n.bit) {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Set) String() string { return strings.Join(s.Names(), " ") }
