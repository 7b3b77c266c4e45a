package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MeasureType identifies how values for a measure come into existence.
type MeasureType string

const (
	NUMERIC    MeasureType = "numeric"
	TEXT       MeasureType = "text"
	BOOLEAN    MeasureType = "boolean"
	CALCULATED MeasureType = "calculated"
)

// String returns the string representation of the measure type
func (t MeasureType) String() string {
	return string(t)
}

// IsValid reports whether the measure type is one of the known types
func (t MeasureType) IsValid() bool {
	switch t {
	case NUMERIC, TEXT, BOOLEAN, CALCULATED:
		return true
	}
	return false
}

// MeasureDefinition describes a tracked health measure. For calculated
// measures the formula references other measures through dependency tokens;
// the catalog stores the raw token list and Dependencies holds the parsed
// form populated by ParseDependencies.
type MeasureDefinition struct {
	ID                   uuid.UUID       `json:"id"`
	Name                 string          `json:"name"`
	Type                 MeasureType     `json:"type"`
	Formula              string          `json:"formula,omitempty"`
	DeclaredDependencies []string        `json:"declared_dependencies,omitempty"`
	Dependencies         []DependencyRef `json:"-"`
	DecimalPlaces        int             `json:"decimal_places"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsCalculated reports whether the measure derives its values from a formula
func (d *MeasureDefinition) IsCalculated() bool {
	return d.Type == CALCULATED
}

// ParseDependencies parses DeclaredDependencies into tagged DependencyRef
// values. It must be called once after loading a definition; lookups never
// re-parse token strings.
func (d *MeasureDefinition) ParseDependencies() error {
	refs := make([]DependencyRef, 0, len(d.DeclaredDependencies))
	for _, token := range d.DeclaredDependencies {
		ref, err := ParseDependencyRef(token)
		if err != nil {
			return fmt.Errorf("parsing dependency %q of measure %q: %w", token, d.Name, err)
		}
		refs = append(refs, ref)
	}
	d.Dependencies = refs
	return nil
}

// DependsOn reports whether measureName appears in the declared dependency
// set, ignoring time-series modifiers.
func (d *MeasureDefinition) DependsOn(measureName string) bool {
	for _, ref := range d.Dependencies {
		if ref.Measure == measureName {
			return true
		}
	}
	return false
}
