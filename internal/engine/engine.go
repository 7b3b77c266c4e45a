// Package engine implements the derived-measure calculation engine: cached
// calculated-measure definitions, dependency ordering, time-series value
// resolution, cascading recalculation and full historical backfill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/domain"
	"github.com/practice-measure-engine/internal/formula"
)

// CalculatedValue describes one value written during a cascade.
type CalculatedValue struct {
	MeasureName string    `json:"measure_name"`
	Value       float64   `json:"value"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// CascadeResult reports what a dependent recalculation actually wrote.
type CascadeResult struct {
	Count        int               `json:"count"`
	Calculated   []CalculatedValue `json:"calculated"`
	SkippedCycle []string          `json:"skipped_cycle,omitempty"`
}

// BackfillResult reports the outcome of a full historical recalculation.
type BackfillResult struct {
	PatientsAffected int `json:"patients_affected"`
	ValuesCalculated int `json:"values_calculated"`
}

// Engine computes values for calculated measures. It owns no goroutines; the
// host invokes it synchronously from request handlers or jobs.
type Engine struct {
	catalog       domain.MeasureCatalog
	store         domain.MeasurementStore
	cache         *DefinitionCache
	resolver      *valueResolver
	eval          formula.Evaluator
	logger        *logrus.Logger
	backfillBatch int
}

// New creates a calculation engine using the given collaborators.
func New(catalog domain.MeasureCatalog, store domain.MeasurementStore, cache *DefinitionCache, cfg domain.EngineConfig, logger *logrus.Logger) *Engine {
	batch := cfg.BackfillBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Engine{
		catalog:       catalog,
		store:         store,
		cache:         cache,
		resolver:      &valueResolver{store: store, cache: cache, logger: logger},
		logger:        logger,
		backfillBatch: batch,
	}
}

// ClearCache invalidates the definition cache. Call after any external
// change to measure definitions.
func (e *Engine) ClearCache() {
	e.cache.Invalidate()
}

// CacheStats exposes definition cache statistics for telemetry.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// ListCalculatedDefinitions returns the cached calculated definitions.
func (e *Engine) ListCalculatedDefinitions(ctx context.Context) ([]*domain.MeasureDefinition, error) {
	return e.cache.ListCalculated(ctx)
}

// Evaluate computes a single calculated measure for one patient at one
// timestamp. A nil result with nil error means "no result": at least one
// dependency is missing or the formula failed, both of which are logged and
// non-fatal. Only store I/O failures return an error.
func (e *Engine) Evaluate(ctx context.Context, def *domain.MeasureDefinition, patientID uuid.UUID, at time.Time) (*float64, error) {
	if !def.IsCalculated() {
		return nil, domain.ErrNotCalculated
	}
	if err := ensureParsed(def); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"code":    domain.ErrCodeConfiguration,
			"measure": def.Name,
		}).Warn("Calculated measure has invalid dependency list")
		return nil, nil
	}

	values := make(map[string]*float64, len(def.Dependencies))
	missing := false
	for _, ref := range def.Dependencies {
		v, err := e.resolver.resolve(ctx, patientID, ref, at)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", def.Name, err)
		}
		if v == nil {
			missing = true
		}
		values[ref.Token] = v
	}
	if missing {
		e.logger.WithFields(logrus.Fields{
			"measure":     def.Name,
			"patient_id":  patientID,
			"measured_at": at,
		}).Debug("Skipping calculation, dependency values missing")
		return nil, nil
	}

	result, err := e.eval.Eval(def.Formula, values, def.DecimalPlaces)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"code":    formulaErrorCode(err),
			"measure": def.Name,
			"formula": def.Formula,
		}).Warn("Formula evaluation failed")
		return nil, nil
	}
	return &result, nil
}

// RecalculateDependents recomputes every calculated measure that depends,
// directly or transitively, on changedMeasure for the given patient and
// timestamp. Dependents are written in topological order, so a later measure
// reads an earlier measure's just-written value within the same call.
// Measures caught in a dependency cycle are skipped and reported in the
// result. Only store I/O failures abort the remaining iterations.
func (e *Engine) RecalculateDependents(ctx context.Context, patientID uuid.UUID, changedMeasure string, at time.Time, actor string) (*CascadeResult, error) {
	defs, err := e.cache.ListCalculated(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading calculated definitions: %w", err)
	}

	frontier := DependentsOf(defs, changedMeasure)
	result := &CascadeResult{}
	if len(frontier) == 0 {
		return result, nil
	}

	order, cycleErr := TopologicalOrder(frontier)
	if cycleErr != nil {
		e.logger.WithFields(logrus.Fields{
			"code":   domain.ErrCodeCycle,
			"cycles": cycleErr.Cycles,
		}).Error("Dependency cycle detected, skipping cyclic measures")
		result.SkippedCycle = cycleErr.Members()
	}

	for _, def := range order {
		value, err := e.Evaluate(ctx, def, patientID, at)
		if err != nil {
			return result, fmt.Errorf("cascade for %s: %w", changedMeasure, err)
		}
		if value == nil {
			// Leave any previously stored value untouched.
			continue
		}

		m := &domain.Measurement{
			PatientID:  patientID,
			MeasureID:  def.ID,
			MeasuredAt: at,
			Value:      *value,
			RecordedBy: actor,
		}
		if err := e.store.Upsert(ctx, m); err != nil {
			return result, fmt.Errorf("storing calculated %s: %w", def.Name, err)
		}

		result.Count++
		result.Calculated = append(result.Calculated, CalculatedValue{
			MeasureName: def.Name,
			Value:       *value,
			MeasuredAt:  at,
		})
	}

	e.logger.WithFields(logrus.Fields{
		"patient_id":      patientID,
		"changed_measure": changedMeasure,
		"measured_at":     at,
		"written":         result.Count,
	}).Info("Cascade recalculation completed")

	return result, nil
}

// RecalculateAllValuesForMeasure rebuilds a calculated measure's entire
// history after its formula or dependencies changed. For every patient with
// any dependency measurement, every distinct dependency timestamp is
// re-evaluated: a result is upserted, a missing result deletes any stale
// stored value at that timestamp. Work is committed per patient, so host
// cancellation leaves a consistent prefix. Expected to run as an offline
// administrative job.
func (e *Engine) RecalculateAllValuesForMeasure(ctx context.Context, definitionID uuid.UUID, actor string) (*BackfillResult, error) {
	def, err := e.catalog.FindDefinitionByID(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("loading definition %s: %w", definitionID, err)
	}
	if !def.IsCalculated() {
		return nil, fmt.Errorf("measure %s: %w", def.Name, domain.ErrNotCalculated)
	}
	if err := ensureParsed(def); err != nil {
		return nil, fmt.Errorf("measure %s: %w", def.Name, err)
	}

	depIDs, err := e.dependencyMeasureIDs(ctx, def)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{}
	if len(depIDs) == 0 {
		return result, nil
	}

	patients, err := e.store.FindPatientsWithDependencies(ctx, depIDs)
	if err != nil {
		return nil, fmt.Errorf("listing patients for backfill of %s: %w", def.Name, err)
	}

	e.logger.WithFields(logrus.Fields{
		"measure":  def.Name,
		"patients": len(patients),
	}).Info("Starting backfill")

	for i, patientID := range patients {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		timestamps, err := e.store.FindDistinctTimestampsForDependencies(ctx, patientID, depIDs)
		if err != nil {
			return result, fmt.Errorf("listing timestamps for patient %s: %w", patientID, err)
		}

		wrote := false
		for _, at := range timestamps {
			value, err := e.Evaluate(ctx, def, patientID, at)
			if err != nil {
				return result, fmt.Errorf("backfill of %s: %w", def.Name, err)
			}
			if value == nil {
				// History is being rebuilt: a timestamp that no longer
				// yields a result must not keep a stale value.
				if err := e.store.DeleteAt(ctx, patientID, def.ID, at); err != nil {
					return result, fmt.Errorf("clearing stale value of %s: %w", def.Name, err)
				}
				continue
			}
			m := &domain.Measurement{
				PatientID:  patientID,
				MeasureID:  def.ID,
				MeasuredAt: at,
				Value:      *value,
				RecordedBy: actor,
			}
			if err := e.store.Upsert(ctx, m); err != nil {
				return result, fmt.Errorf("storing backfilled %s: %w", def.Name, err)
			}
			result.ValuesCalculated++
			wrote = true
		}
		if wrote {
			result.PatientsAffected++
		}

		if (i+1)%e.backfillBatch == 0 {
			e.logger.WithFields(logrus.Fields{
				"measure":   def.Name,
				"processed": i + 1,
				"total":     len(patients),
			}).Info("Backfill progress")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"measure":           def.Name,
		"patients_affected": result.PatientsAffected,
		"values_calculated": result.ValuesCalculated,
	}).Info("Backfill completed")

	return result, nil
}

// dependencyMeasureIDs resolves the definition's dependency measure names to
// catalog IDs. Unknown measures are logged and ignored; they can never yield
// a dependency value anyway.
func (e *Engine) dependencyMeasureIDs(ctx context.Context, def *domain.MeasureDefinition) ([]uuid.UUID, error) {
	seen := make(map[string]bool, len(def.Dependencies))
	ids := make([]uuid.UUID, 0, len(def.Dependencies))
	for _, ref := range def.Dependencies {
		if seen[ref.Measure] {
			continue
		}
		seen[ref.Measure] = true

		dep, err := e.cache.ByName(ctx, ref.Measure)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				e.logger.WithFields(logrus.Fields{
					"code":    domain.ErrCodeConfiguration,
					"measure": def.Name,
					"token":   ref.Token,
				}).Warn("Backfill dependency references unknown measure")
				continue
			}
			return nil, fmt.Errorf("resolving dependency %s: %w", ref.Measure, err)
		}
		ids = append(ids, dep.ID)
	}
	return ids, nil
}

func formulaErrorCode(err error) string {
	var ferr *formula.Error
	if errors.As(err, &ferr) {
		switch ferr.Kind {
		case formula.KindDivisionByZero, formula.KindNonFinite:
			return domain.ErrCodeArithmetic
		}
	}
	return domain.ErrCodeConfiguration
}
