package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/practice-measure-engine/internal/domain"
)

// fakeCatalog is an in-memory MeasureCatalog.
type fakeCatalog struct {
	mu    sync.Mutex
	defs  []*domain.MeasureDefinition
	calls int
	err   error
}

func newFakeCatalog(defs ...*domain.MeasureDefinition) *fakeCatalog {
	return &fakeCatalog{defs: defs}
}

func (c *fakeCatalog) FindCalculatedDefinitions(ctx context.Context) ([]*domain.MeasureDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	var out []*domain.MeasureDefinition
	for _, d := range c.defs {
		if d.IsCalculated() && d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *fakeCatalog) FindDefinitionByName(ctx context.Context, name string) (*domain.MeasureDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	for _, d := range c.defs {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (c *fakeCatalog) FindDefinitionByID(ctx context.Context, id uuid.UUID) (*domain.MeasureDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.defs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (c *fakeCatalog) UpdateFormula(ctx context.Context, id uuid.UUID, formula string, dependencies []string, decimalPlaces int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.defs {
		if d.ID == id {
			d.Formula = formula
			d.DeclaredDependencies = dependencies
			d.Dependencies = nil
			d.DecimalPlaces = decimalPlaces
			return nil
		}
	}
	return domain.ErrNotFound
}

func (c *fakeCatalog) listCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeStore is an in-memory MeasurementStore with the same ordering
// semantics the SQL stores implement.
type fakeStore struct {
	mu     sync.Mutex
	rows   []*domain.Measurement
	nextID int64
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (s *fakeStore) add(patientID, measureID uuid.UUID, at time.Time, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows = append(s.rows, &domain.Measurement{
		ID:         s.nextID,
		PatientID:  patientID,
		MeasureID:  measureID,
		MeasuredAt: at,
		Value:      value,
		CreatedAt:  time.Now(),
	})
}

func (s *fakeStore) FindExactAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var found *domain.Measurement
	for _, m := range s.rows {
		if m.PatientID == patientID && m.MeasureID == measureID && m.MeasuredAt.Equal(at) {
			if found == nil || m.ID > found.ID {
				found = m
			}
		}
	}
	return found, nil
}

func (s *fakeStore) FindMostRecentBefore(ctx context.Context, patientID, measureID uuid.UUID, at time.Time, skip int) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var candidates []*domain.Measurement
	for _, m := range s.rows {
		if m.PatientID == patientID && m.MeasureID == measureID && !m.MeasuredAt.After(at) {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].MeasuredAt.Equal(candidates[j].MeasuredAt) {
			return candidates[i].MeasuredAt.After(candidates[j].MeasuredAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	if skip >= len(candidates) {
		return nil, nil
	}
	return candidates[skip], nil
}

func (s *fakeStore) FindInRange(ctx context.Context, patientID, measureID uuid.UUID, start, end time.Time) ([]*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.Measurement
	for _, m := range s.rows {
		if m.PatientID == patientID && m.MeasureID == measureID &&
			!m.MeasuredAt.Before(start) && !m.MeasuredAt.After(end) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })
	return out, nil
}

func (s *fakeStore) FindDistinctTimestampsForDependencies(ctx context.Context, patientID uuid.UUID, measureIDs []uuid.UUID) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ids := make(map[uuid.UUID]bool, len(measureIDs))
	for _, id := range measureIDs {
		ids[id] = true
	}
	seen := make(map[int64]time.Time)
	for _, m := range s.rows {
		if m.PatientID == patientID && ids[m.MeasureID] {
			seen[m.MeasuredAt.UnixNano()] = m.MeasuredAt
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *fakeStore) FindPatientsWithDependencies(ctx context.Context, measureIDs []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ids := make(map[uuid.UUID]bool, len(measureIDs))
	for _, id := range measureIDs {
		ids[id] = true
	}
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, m := range s.rows {
		if ids[m.MeasureID] && !seen[m.PatientID] {
			seen[m.PatientID] = true
			out = append(out, m.PatientID)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, m *domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, existing := range s.rows {
		if existing.PatientID == m.PatientID && existing.MeasureID == m.MeasureID && existing.MeasuredAt.Equal(m.MeasuredAt) {
			existing.Value = m.Value
			existing.RecordedBy = m.RecordedBy
			return nil
		}
	}
	s.nextID++
	row := *m
	row.ID = s.nextID
	row.CreatedAt = time.Now()
	s.rows = append(s.rows, &row)
	return nil
}

func (s *fakeStore) DeleteAt(ctx context.Context, patientID, measureID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	kept := s.rows[:0]
	for _, m := range s.rows {
		if m.PatientID == patientID && m.MeasureID == measureID && m.MeasuredAt.Equal(at) {
			continue
		}
		kept = append(kept, m)
	}
	s.rows = kept
	return nil
}

func (s *fakeStore) valueAt(patientID, measureID uuid.UUID, at time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.PatientID == patientID && m.MeasureID == measureID && m.MeasuredAt.Equal(at) {
			return m.Value, true
		}
	}
	return 0, false
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
