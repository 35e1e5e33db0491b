package state

import (
	"fmt"
	"strings"
)

// ScopeKind partitions stored state.
type ScopeKind string

const (
	ScopeGlobal    ScopeKind = "global"
	ScopeNarrative ScopeKind = "narrative"
	ScopePlatform  ScopeKind = "platform"
)

// Scope is the partition key under which state values are stored.
type Scope struct {
	Kind      ScopeKind
	Narrative string
	Platform  string
	ID        string
}

// Global returns the process-wide scope.
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

// ForNarrative returns the scope private to one narrative.
func ForNarrative(name string) Scope {
	return Scope{Kind: ScopeNarrative, Narrative: name}
}

// ForPlatform returns the scope of one platform instance, e.g. a guild.
func ForPlatform(platform, id string) Scope {
	return Scope{Kind: ScopePlatform, Platform: platform, ID: id}
}

// Key is the stable storage key of the scope.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeNarrative:
		return "narrative/" + s.Narrative
	case ScopePlatform:
		return "platform/" + s.Platform + "/" + s.ID
	default:
		return "global"
	}
}

func (s Scope) String() string {
	return s.Key()
}

// Validate rejects scopes with empty or path-like components.
func (s Scope) Validate() error {
	var parts []string
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeNarrative:
		parts = []string{s.Narrative}
	case ScopePlatform:
		parts = []string{s.Platform, s.ID}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("invalid %s scope component %q", s.Kind, p)
		}
	}
	return nil
}

// ParseScope parses the configuration form of a scope:
//
//	global
//	narrative              (the current narrative)
//	narrative:<name>
//	platform:<platform>:<id>
func ParseScope(raw, narrative string) (Scope, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	var scope Scope
	switch {
	case raw == "" || (len(parts) == 1 && parts[0] == string(ScopeNarrative)):
		scope = ForNarrative(narrative)
	case len(parts) == 1 && parts[0] == string(ScopeGlobal):
		scope = Global()
	case len(parts) == 2 && parts[0] == string(ScopeNarrative):
		scope = ForNarrative(parts[1])
	case len(parts) == 3 && parts[0] == string(ScopePlatform):
		scope = ForPlatform(parts[1], parts[2])
	default:
		return Scope{}, fmt.Errorf("invalid state scope %q: expected global, narrative[:name] or platform:<platform>:<id>", raw)
	}
	if err := scope.Validate(); err != nil {
		return Scope{}, err
	}
	return scope, nil
}

// Chain returns the lookup order starting at write: a platform scope falls
// back to the narrative scope, and every chain ends at Global.
func Chain(write Scope, narrative string) []Scope {
	var chain []Scope
	if write.Kind == ScopePlatform {
		chain = append(chain, write)
	}
	if write.Kind == ScopeNarrative {
		chain = append(chain, write)
	} else if narrative != "" {
		chain = append(chain, ForNarrative(narrative))
	}
	return append(chain, Global())
}
