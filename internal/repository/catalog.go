package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/domain"
)

// CatalogRepository provides measure definitions from PostgreSQL.
type CatalogRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *pgxpool.Pool, logger *logrus.Logger) *CatalogRepository {
	return &CatalogRepository{
		db:  db,
		log: logger,
	}
}

const measureColumns = `
	id, name, type, COALESCE(formula, ''), COALESCE(dependencies, '{}'),
	decimal_places, active, created_at, updated_at`

// FindCalculatedDefinitions returns all active calculated measure definitions
func (r *CatalogRepository) FindCalculatedDefinitions(ctx context.Context) ([]*domain.MeasureDefinition, error) {
	query := `
		SELECT` + measureColumns + `
		FROM measures
		WHERE type = 'calculated' AND active
		ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.log.WithError(err).Error("Failed to list calculated definitions")
		return nil, fmt.Errorf("listing calculated definitions: %w", err)
	}
	defer rows.Close()

	var defs []*domain.MeasureDefinition
	for rows.Next() {
		def, err := scanMeasure(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning measure row: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating measure rows: %w", err)
	}
	return defs, nil
}

// FindDefinitionByName retrieves a measure definition by its unique name
func (r *CatalogRepository) FindDefinitionByName(ctx context.Context, name string) (*domain.MeasureDefinition, error) {
	query := `
		SELECT` + measureColumns + `
		FROM measures
		WHERE name = $1`

	def, err := scanMeasure(r.db.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("measure %q: %w", name, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"measure": name,
			"error":   err,
		}).Error("Failed to get measure by name")
		return nil, fmt.Errorf("getting measure by name: %w", err)
	}
	return def, nil
}

// FindDefinitionByID retrieves a measure definition by ID
func (r *CatalogRepository) FindDefinitionByID(ctx context.Context, id uuid.UUID) (*domain.MeasureDefinition, error) {
	query := `
		SELECT` + measureColumns + `
		FROM measures
		WHERE id = $1`

	def, err := scanMeasure(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("measure %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"measure_id": id,
			"error":      err,
		}).Error("Failed to get measure by ID")
		return nil, fmt.Errorf("getting measure by ID: %w", err)
	}
	return def, nil
}

// UpdateFormula updates a calculated measure's formula, declared dependencies
// and precision. This is the administrative edit that triggers a backfill;
// the caller is responsible for invalidating the definition cache.
func (r *CatalogRepository) UpdateFormula(ctx context.Context, id uuid.UUID, formula string, dependencies []string, decimalPlaces int) error {
	query := `
		UPDATE measures
		SET formula = $2, dependencies = $3, decimal_places = $4, updated_at = NOW()
		WHERE id = $1 AND type = 'calculated'`

	result, err := r.db.Exec(ctx, query, id, formula, dependencies, decimalPlaces)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"measure_id": id,
			"error":      err,
		}).Error("Failed to update measure formula")
		return fmt.Errorf("updating formula: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("calculated measure %s: %w", id, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"measure_id": id,
		"formula":    formula,
	}).Info("Measure formula updated")
	return nil
}

func scanMeasure(row pgx.Row) (*domain.MeasureDefinition, error) {
	var def domain.MeasureDefinition
	var measureType string
	err := row.Scan(
		&def.ID,
		&def.Name,
		&measureType,
		&def.Formula,
		&def.DeclaredDependencies,
		&def.DecimalPlaces,
		&def.Active,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	def.Type = domain.MeasureType(measureType)
	return &def, nil
}
