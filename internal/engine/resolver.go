package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/domain"
)

// valueResolver resolves dependency tokens to numeric values against a
// patient's measurement history. A nil value with a nil error means the
// dependency is missing, the expected steady state before enough history
// exists.
type valueResolver struct {
	store  domain.MeasurementStore
	cache  *DefinitionCache
	logger *logrus.Logger
}

func (r *valueResolver) resolve(ctx context.Context, patientID uuid.UUID, ref domain.DependencyRef, at time.Time) (*float64, error) {
	def, err := r.cache.ByName(ctx, ref.Measure)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A formula referencing a measure that does not exist is a
			// configuration problem, not an I/O failure.
			r.logger.WithFields(logrus.Fields{
				"code":    domain.ErrCodeConfiguration,
				"measure": ref.Measure,
				"token":   ref.Token,
			}).Warn("Dependency references unknown measure")
			return nil, nil
		}
		return nil, err
	}

	switch ref.Kind {
	case domain.RefExact:
		m, err := r.store.FindExactAt(ctx, patientID, def.ID, at)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		return valueOf(m), nil

	case domain.RefCurrent:
		m, err := r.store.FindMostRecentBefore(ctx, patientID, def.ID, at, 0)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		return valueOf(m), nil

	case domain.RefPrevious:
		m, err := r.store.FindMostRecentBefore(ctx, patientID, def.ID, at, 1)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		return valueOf(m), nil

	case domain.RefDelta:
		current, err := r.store.FindMostRecentBefore(ctx, patientID, def.ID, at, 0)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		previous, err := r.store.FindMostRecentBefore(ctx, patientID, def.ID, at, 1)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		if current == nil || previous == nil {
			return nil, nil
		}
		delta := current.Value - previous.Value
		return &delta, nil

	case domain.RefAverage:
		start := at.AddDate(0, 0, -ref.WindowDays)
		window, err := r.store.FindInRange(ctx, patientID, def.ID, start, at)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Token, err)
		}
		if len(window) == 0 {
			// An empty window is missing, never zero.
			return nil, nil
		}
		var sum float64
		for _, m := range window {
			sum += m.Value
		}
		mean := sum / float64(len(window))
		return &mean, nil
	}

	return nil, fmt.Errorf("unsupported dependency kind %v for token %q", ref.Kind, ref.Token)
}

func valueOf(m *domain.Measurement) *float64 {
	if m == nil {
		return nil
	}
	v := m.Value
	return &v
}
