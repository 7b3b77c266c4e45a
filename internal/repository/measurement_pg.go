package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/practice-measure-engine/internal/domain"
)

// PostgresMeasurementStore implements domain.MeasurementStore on PostgreSQL.
// The measurements table carries a unique constraint on
// (patient_id, measure_id, measured_at) so Upsert is atomic per key.
type PostgresMeasurementStore struct {
	db *sql.DB
}

// NewPostgresMeasurementStore creates a measurement store over an existing
// connection. It expects the schema to exist (created via migrations).
func NewPostgresMeasurementStore(db *sql.DB) (*PostgresMeasurementStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresMeasurementStore{db: db}, nil
}

// NewPostgresMeasurementStoreFromURL creates a measurement store from a
// connection URL.
func NewPostgresMeasurementStoreFromURL(databaseURL string) (*PostgresMeasurementStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresMeasurementStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *PostgresMeasurementStore) Close() error {
	return s.db.Close()
}

const measurementColumns = `
	id, patient_id, measure_id, measured_at, value, COALESCE(recorded_by, ''), created_at`

// FindExactAt returns the measurement at exactly the given timestamp, if any.
func (s *PostgresMeasurementStore) FindExactAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) (*domain.Measurement, error) {
	query := `
		SELECT` + measurementColumns + `
		FROM measurements
		WHERE patient_id = $1 AND measure_id = $2 AND measured_at = $3
		ORDER BY id DESC
		LIMIT 1`

	m, err := scanMeasurement(s.db.QueryRowContext(ctx, query, patientID, measureID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding measurement at timestamp: %w", err)
	}
	return m, nil
}

// FindMostRecentBefore returns the most recent measurement at or before the
// given timestamp, skipping the first `skip` entries in descending order.
func (s *PostgresMeasurementStore) FindMostRecentBefore(ctx context.Context, patientID, measureID uuid.UUID, at time.Time, skip int) (*domain.Measurement, error) {
	query := `
		SELECT` + measurementColumns + `
		FROM measurements
		WHERE patient_id = $1 AND measure_id = $2 AND measured_at <= $3
		ORDER BY measured_at DESC, id DESC
		OFFSET $4
		LIMIT 1`

	m, err := scanMeasurement(s.db.QueryRowContext(ctx, query, patientID, measureID, at, skip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding most recent measurement: %w", err)
	}
	return m, nil
}

// FindInRange returns measurements within [start, end] inclusive, ascending.
func (s *PostgresMeasurementStore) FindInRange(ctx context.Context, patientID, measureID uuid.UUID, start, end time.Time) ([]*domain.Measurement, error) {
	query := `
		SELECT` + measurementColumns + `
		FROM measurements
		WHERE patient_id = $1 AND measure_id = $2 AND measured_at BETWEEN $3 AND $4
		ORDER BY measured_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, patientID, measureID, start, end)
	if err != nil {
		return nil, fmt.Errorf("finding measurements in range: %w", err)
	}
	defer rows.Close()

	var out []*domain.Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning measurement row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating measurement rows: %w", err)
	}
	return out, nil
}

// FindDistinctTimestampsForDependencies returns every distinct measured_at
// the patient has for any of the given measures, ascending.
func (s *PostgresMeasurementStore) FindDistinctTimestampsForDependencies(ctx context.Context, patientID uuid.UUID, measureIDs []uuid.UUID) ([]time.Time, error) {
	if len(measureIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT measured_at
		FROM measurements
		WHERE patient_id = $1 AND measure_id = ANY($2::uuid[])
		ORDER BY measured_at ASC`

	rows, err := s.db.QueryContext(ctx, query, patientID, pq.Array(uuidStrings(measureIDs)))
	if err != nil {
		return nil, fmt.Errorf("finding distinct timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, fmt.Errorf("scanning timestamp: %w", err)
		}
		out = append(out, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating timestamps: %w", err)
	}
	return out, nil
}

// FindPatientsWithDependencies returns every patient holding at least one
// measurement for any of the given measures.
func (s *PostgresMeasurementStore) FindPatientsWithDependencies(ctx context.Context, measureIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(measureIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT patient_id
		FROM measurements
		WHERE measure_id = ANY($1::uuid[])
		ORDER BY patient_id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(uuidStrings(measureIDs)))
	if err != nil {
		return nil, fmt.Errorf("finding patients with dependencies: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning patient id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patient ids: %w", err)
	}
	return out, nil
}

// Upsert inserts the measurement or, if one already exists at the same
// (patient_id, measure_id, measured_at), updates it in place.
func (s *PostgresMeasurementStore) Upsert(ctx context.Context, m *domain.Measurement) error {
	query := `
		INSERT INTO measurements (patient_id, measure_id, measured_at, value, recorded_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, measure_id, measured_at) DO UPDATE SET
			value = EXCLUDED.value,
			recorded_by = EXCLUDED.recorded_by
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.PatientID,
		m.MeasureID,
		m.MeasuredAt,
		m.Value,
		m.RecordedBy,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting measurement: %w", err)
	}
	return nil
}

// DeleteAt removes the measurement at exactly the given timestamp, if any.
func (s *PostgresMeasurementStore) DeleteAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) error {
	query := `
		DELETE FROM measurements
		WHERE patient_id = $1 AND measure_id = $2 AND measured_at = $3`

	if _, err := s.db.ExecContext(ctx, query, patientID, measureID, at); err != nil {
		return fmt.Errorf("deleting measurement: %w", err)
	}
	return nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMeasurement(s scanner) (*domain.Measurement, error) {
	m := &domain.Measurement{}
	err := s.Scan(
		&m.ID, &m.PatientID, &m.MeasureID, &m.MeasuredAt,
		&m.Value, &m.RecordedBy, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
