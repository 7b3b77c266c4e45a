package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MeasureCatalog provides access to measure definitions. Definitions are
// owned and persisted externally; the engine only reads them, except for the
// administrative formula edit that triggers a backfill.
type MeasureCatalog interface {
	FindCalculatedDefinitions(ctx context.Context) ([]*MeasureDefinition, error)
	FindDefinitionByName(ctx context.Context, name string) (*MeasureDefinition, error)
	FindDefinitionByID(ctx context.Context, id uuid.UUID) (*MeasureDefinition, error)
	UpdateFormula(ctx context.Context, id uuid.UUID, formula string, dependencies []string, decimalPlaces int) error
}

// MeasurementStore persists timestamped observations. Find methods return
// (nil, nil) when no matching measurement exists; only I/O failures are
// errors. Upsert must be atomic per (patient_id, measure_id, measured_at).
type MeasurementStore interface {
	// FindExactAt returns the measurement recorded at exactly the given
	// timestamp, if any.
	FindExactAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) (*Measurement, error)

	// FindMostRecentBefore returns the most recent measurement at or before
	// the given timestamp, skipping the first `skip` entries in descending
	// order. Ties on measured_at break toward the latest inserted row.
	FindMostRecentBefore(ctx context.Context, patientID, measureID uuid.UUID, at time.Time, skip int) (*Measurement, error)

	// FindInRange returns measurements with start <= measured_at <= end in
	// ascending timestamp order.
	FindInRange(ctx context.Context, patientID, measureID uuid.UUID, start, end time.Time) ([]*Measurement, error)

	// FindDistinctTimestampsForDependencies returns every distinct
	// measured_at the patient has for any of the given measures, ascending.
	FindDistinctTimestampsForDependencies(ctx context.Context, patientID uuid.UUID, measureIDs []uuid.UUID) ([]time.Time, error)

	// FindPatientsWithDependencies returns every patient holding at least
	// one measurement for any of the given measures.
	FindPatientsWithDependencies(ctx context.Context, measureIDs []uuid.UUID) ([]uuid.UUID, error)

	Upsert(ctx context.Context, m *Measurement) error
	DeleteAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) error
}
