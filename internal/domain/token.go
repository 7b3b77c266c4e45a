package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RefKind tags the time-series semantics of a dependency token.
type RefKind int

const (
	// RefExact resolves to the value at exactly the reference timestamp.
	RefExact RefKind = iota
	// RefCurrent resolves to the most recent value at or before the
	// reference timestamp.
	RefCurrent
	// RefPrevious resolves to the value RefCurrent would skip over.
	RefPrevious
	// RefDelta resolves to current minus previous.
	RefDelta
	// RefAverage resolves to the mean over a trailing window of days.
	RefAverage
)

// String returns the modifier name for the reference kind
func (k RefKind) String() string {
	switch k {
	case RefExact:
		return "exact"
	case RefCurrent:
		return "current"
	case RefPrevious:
		return "previous"
	case RefDelta:
		return "delta"
	case RefAverage:
		return "avg"
	}
	return "unknown"
}

// DependencyRef is the parsed form of a dependency token. Token preserves
// the original text, which is also the key the formula references.
type DependencyRef struct {
	Token      string
	Kind       RefKind
	Measure    string
	WindowDays int
}

// ParseDependencyRef parses a dependency token of the form "measureName" or
// "modifier:measureName" where modifier is current, previous, delta or avgN
// for a positive integer N of days.
func ParseDependencyRef(token string) (DependencyRef, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return DependencyRef{}, fmt.Errorf("empty dependency token")
	}

	modifier, name, found := strings.Cut(token, ":")
	if !found {
		return DependencyRef{Token: token, Kind: RefExact, Measure: token}, nil
	}
	if name == "" {
		return DependencyRef{}, fmt.Errorf("dependency token %q has no measure name", token)
	}

	ref := DependencyRef{Token: token, Measure: name}
	switch {
	case modifier == "current":
		ref.Kind = RefCurrent
	case modifier == "previous":
		ref.Kind = RefPrevious
	case modifier == "delta":
		ref.Kind = RefDelta
	case strings.HasPrefix(modifier, "avg"):
		days, err := strconv.Atoi(modifier[len("avg"):])
		if err != nil || days <= 0 {
			return DependencyRef{}, fmt.Errorf("dependency token %q: avg window must be a positive integer of days", token)
		}
		ref.Kind = RefAverage
		ref.WindowDays = days
	default:
		return DependencyRef{}, fmt.Errorf("dependency token %q: unknown modifier %q", token, modifier)
	}
	return ref, nil
}
