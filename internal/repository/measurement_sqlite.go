package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/practice-measure-engine/internal/domain"
)

// SQLiteMeasurementStore implements domain.MeasurementStore on an embedded
// SQLite database for lite deployments and tests. Timestamps are stored as
// Unix nanoseconds so range comparisons stay exact.
type SQLiteMeasurementStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteMeasurementStore creates a SQLite measurement store, creating the
// database file and schema if they don't exist. Pass ":memory:" for an
// in-memory store.
func NewSQLiteMeasurementStore(dbPath string) (*SQLiteMeasurementStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := createMeasurementSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteMeasurementStore{db: db, dbPath: dbPath}, nil
}

func createMeasurementSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL,
		measure_id TEXT NOT NULL,
		measured_at INTEGER NOT NULL,
		value REAL NOT NULL,
		recorded_by TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(patient_id, measure_id, measured_at)
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_lookup
		ON measurements(patient_id, measure_id, measured_at DESC);
	CREATE INDEX IF NOT EXISTS idx_measurements_measure
		ON measurements(measure_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteMeasurementStore) Close() error {
	return s.db.Close()
}

const sqliteMeasurementColumns = `
	id, patient_id, measure_id, measured_at, value, recorded_by, created_at`

// FindExactAt returns the measurement at exactly the given timestamp, if any.
func (s *SQLiteMeasurementStore) FindExactAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) (*domain.Measurement, error) {
	query := `
		SELECT` + sqliteMeasurementColumns + `
		FROM measurements
		WHERE patient_id = ? AND measure_id = ? AND measured_at = ?
		ORDER BY id DESC
		LIMIT 1`

	m, err := scanSQLiteMeasurement(s.db.QueryRowContext(ctx, query, patientID.String(), measureID.String(), at.UnixNano()))
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
func (s *SQLiteMeasurementStore) FindMostRecentBefore(ctx context.Context, patientID, measureID uuid.UUID, at time.Time, skip int) (*domain.Measurement, error) {
	query := `
		SELECT` + sqliteMeasurementColumns + `
		FROM measurements
		WHERE patient_id = ? AND measure_id = ? AND measured_at <= ?
		ORDER BY measured_at DESC, id DESC
		LIMIT 1 OFFSET ?`

	m, err := scanSQLiteMeasurement(s.db.QueryRowContext(ctx, query, patientID.String(), measureID.String(), at.UnixNano(), skip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding most recent measurement: %w", err)
	}
	return m, nil
}

// FindInRange returns measurements within [start, end] inclusive, ascending.
func (s *SQLiteMeasurementStore) FindInRange(ctx context.Context, patientID, measureID uuid.UUID, start, end time.Time) ([]*domain.Measurement, error) {
	query := `
		SELECT` + sqliteMeasurementColumns + `
		FROM measurements
		WHERE patient_id = ? AND measure_id = ? AND measured_at BETWEEN ? AND ?
		ORDER BY measured_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, patientID.String(), measureID.String(), start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("finding measurements in range: %w", err)
	}
	defer rows.Close()

	var out []*domain.Measurement
	for rows.Next() {
		m, err := scanSQLiteMeasurement(rows)
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
func (s *SQLiteMeasurementStore) FindDistinctTimestampsForDependencies(ctx context.Context, patientID uuid.UUID, measureIDs []uuid.UUID) ([]time.Time, error) {
	if len(measureIDs) == 0 {
		return nil, nil
	}
	placeholders, args := sqliteIDArgs(measureIDs)
	query := fmt.Sprintf(`
		SELECT DISTINCT measured_at
		FROM measurements
		WHERE patient_id = ? AND measure_id IN (%s)
		ORDER BY measured_at ASC`, placeholders)

	queryArgs := append([]interface{}{patientID.String()}, args...)
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("finding distinct timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var nanos int64
		if err := rows.Scan(&nanos); err != nil {
			return nil, fmt.Errorf("scanning timestamp: %w", err)
		}
		out = append(out, time.Unix(0, nanos).UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating timestamps: %w", err)
	}
	return out, nil
}

// FindPatientsWithDependencies returns every patient holding at least one
// measurement for any of the given measures.
func (s *SQLiteMeasurementStore) FindPatientsWithDependencies(ctx context.Context, measureIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(measureIDs) == 0 {
		return nil, nil
	}
	placeholders, args := sqliteIDArgs(measureIDs)
	query := fmt.Sprintf(`
		SELECT DISTINCT patient_id
		FROM measurements
		WHERE measure_id IN (%s)
		ORDER BY patient_id`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("finding patients with dependencies: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning patient id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing patient id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patient ids: %w", err)
	}
	return out, nil
}

// Upsert inserts the measurement or updates it in place when one already
// exists at the same (patient_id, measure_id, measured_at).
func (s *SQLiteMeasurementStore) Upsert(ctx context.Context, m *domain.Measurement) error {
	now := time.Now()
	query := `
		INSERT INTO measurements (patient_id, measure_id, measured_at, value, recorded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id, measure_id, measured_at) DO UPDATE SET
			value = excluded.value,
			recorded_by = excluded.recorded_by
		RETURNING id, created_at`

	var createdNanos int64
	err := s.db.QueryRowContext(ctx, query,
		m.PatientID.String(),
		m.MeasureID.String(),
		m.MeasuredAt.UnixNano(),
		m.Value,
		m.RecordedBy,
		now.UnixNano(),
	).Scan(&m.ID, &createdNanos)
	if err != nil {
		return fmt.Errorf("upserting measurement: %w", err)
	}
	m.CreatedAt = time.Unix(0, createdNanos).UTC()
	return nil
}

// DeleteAt removes the measurement at exactly the given timestamp, if any.
func (s *SQLiteMeasurementStore) DeleteAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) error {
	query := `
		DELETE FROM measurements
		WHERE patient_id = ? AND measure_id = ? AND measured_at = ?`

	if _, err := s.db.ExecContext(ctx, query, patientID.String(), measureID.String(), at.UnixNano()); err != nil {
		return fmt.Errorf("deleting measurement: %w", err)
	}
	return nil
}

func scanSQLiteMeasurement(s scanner) (*domain.Measurement, error) {
	m := &domain.Measurement{}
	var patientID, measureID string
	var measuredNanos, createdNanos int64

	err := s.Scan(&m.ID, &patientID, &measureID, &measuredNanos, &m.Value, &m.RecordedBy, &createdNanos)
	if err != nil {
		return nil, err
	}

	if m.PatientID, err = uuid.Parse(patientID); err != nil {
		return nil, fmt.Errorf("parsing patient id %q: %w", patientID, err)
	}
	if m.MeasureID, err = uuid.Parse(measureID); err != nil {
		return nil, fmt.Errorf("parsing measure id %q: %w", measureID, err)
	}
	m.MeasuredAt = time.Unix(0, measuredNanos).UTC()
	m.CreatedAt = time.Unix(0, createdNanos).UTC()
	return m, nil
}

func sqliteIDArgs(ids []uuid.UUID) (string, []interface{}) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return placeholders, args
}
