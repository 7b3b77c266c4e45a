package engine

import (
	"sort"

	"github.com/practice-measure-engine/internal/domain"
)

// DependentsOf returns every calculated definition in defs that depends on
// measureName, directly or transitively through other calculated measures.
// Time-series modifiers are ignored for dependency membership.
func DependentsOf(defs []*domain.MeasureDefinition, measureName string) []*domain.MeasureDefinition {
	affected := map[string]bool{measureName: true}

	// Iterate until the affected set stops growing; the set is small (all
	// calculated measures of a practice) so a fixed point pass is plenty.
	for changed := true; changed; {
		changed = false
		for _, def := range defs {
			if affected[def.Name] {
				continue
			}
			for _, ref := range def.Dependencies {
				if affected[ref.Measure] {
					affected[def.Name] = true
					changed = true
					break
				}
			}
		}
	}

	var result []*domain.MeasureDefinition
	for _, def := range defs {
		if def.Name != measureName && affected[def.Name] {
			result = append(result, def)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

const (
	visitNew = iota
	visitInProgress
	visitDone
)

// TopologicalOrder orders definitions so that each appears after every other
// definition in the set it depends on. Members of a dependency cycle are
// omitted from the order and every detected cycle is reported through the
// returned CycleError; the acyclic remainder is still usable. Output is
// deterministic for a given input set.
func TopologicalOrder(defs []*domain.MeasureDefinition) ([]*domain.MeasureDefinition, *domain.CycleError) {
	sorted := make([]*domain.MeasureDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byName := make(map[string]*domain.MeasureDefinition, len(sorted))
	for _, def := range sorted {
		byName[def.Name] = def
	}

	state := make(map[string]int, len(sorted))
	cyclic := make(map[string]bool)
	var stack []string
	var order []*domain.MeasureDefinition
	var cycleErr *domain.CycleError

	var visit func(def *domain.MeasureDefinition)
	visit = func(def *domain.MeasureDefinition) {
		switch state[def.Name] {
		case visitDone:
			return
		case visitInProgress:
			// Revisiting a node still being visited: everything from its
			// first occurrence on the stack forms the cycle.
			start := 0
			for i, name := range stack {
				if name == def.Name {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), def.Name)
			for _, name := range stack[start:] {
				cyclic[name] = true
			}
			if cycleErr == nil {
				cycleErr = &domain.CycleError{}
			}
			cycleErr.Cycles = append(cycleErr.Cycles, path)
			return
		}

		state[def.Name] = visitInProgress
		stack = append(stack, def.Name)
		for _, ref := range def.Dependencies {
			if dep, ok := byName[ref.Measure]; ok {
				visit(dep)
			}
		}
		stack = stack[:len(stack)-1]
		state[def.Name] = visitDone

		if !cyclic[def.Name] {
			order = append(order, def)
		}
	}

	for _, def := range sorted {
		visit(def)
	}
	return order, cycleErr
}
