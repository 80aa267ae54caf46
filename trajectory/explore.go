package trajectory

import (
	"fmt"
)

// Axis pairs a parameter path with the sequence of values it takes across
// runs.
type Axis struct {
	Path   string
	Values []any
}

// Zip validates that all axes have the same length and returns them
// unchanged: run i takes the i-th value of every axis.
func Zip(axes ...Axis) ([]Axis, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("zip of zero axes")
	}
	n := len(axes[0].Values)
	if n == 0 {
		return nil, fmt.Errorf("axis %s has no values", axes[0].Path)
	}
	for _, ax := range axes[1:] {
		if len(ax.Values) != n {
			return nil, fmt.Errorf("axis %s has %d values, want %d", ax.Path, len(ax.Values), n)
		}
	}
	return axes, nil
}

// CartesianProduct expands the axes to every combination of their values.
// The last axis varies fastest, odometer style, so two axes of lengths 2
// and 3 yield 6 runs ordered (0,0) (0,1) (0,2) (1,0) (1,1) (1,2).
func CartesianProduct(axes ...Axis) ([]Axis, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("cartesian product of zero axes")
	}
	total := 1
	for _, ax := range axes {
		if len(ax.Values) == 0 {
			return nil, fmt.Errorf("axis %s has no values", ax.Path)
		}
		total *= len(ax.Values)
	}

	out := make([]Axis, len(axes))
	for i := range out {
		out[i] = Axis{Path: axes[i].Path, Values: make([]any, 0, total)}
	}

	counters := make([]int, len(axes))
	for r := 0; r < total; r++ {
		for i, ax := range axes {
			out[i].Values = append(out[i].Values, ax.Values[counters[i]])
		}
		for i := len(counters) - 1; i >= 0; i-- {
			counters[i]++
			if counters[i] < len(axes[i].Values) {
				break
			}
			counters[i] = 0
		}
	}
	return out, nil
}

// Explore fixes the run table from the given axes. Every axis must name an
// existing parameter and all axes must be equally long; run descriptors
// 0..N-1 are created with completion flags down. A trajectory can only be
// explored once.
func (t *Trajectory) Explore(axes []Axis) error {
	if len(t.runs) > 0 {
		return fmt.Errorf("trajectory %s is already explored", t.name)
	}
	if len(axes) == 0 {
		return fmt.Errorf("explore with zero axes")
	}

	n := len(axes[0].Values)
	params := make([]*Parameter, len(axes))
	for i, ax := range axes {
		if len(ax.Values) != n {
			return fmt.Errorf("axis %s has %d values, want %d", ax.Path, len(ax.Values), n)
		}
		item, err := t.Get(ax.Path)
		if err != nil {
			return err
		}
		p, ok := item.(*Parameter)
		if !ok || p.Kind() != KindParameter {
			return fmt.Errorf("%s is not an explorable parameter", ax.Path)
		}
		params[i] = p
	}
	if n == 0 {
		return fmt.Errorf("explore with zero runs")
	}

	for i, ax := range axes {
		if err := params[i].Explore(ax.Values); err != nil {
			return err
		}
		t.explored = append(t.explored, params[i].Path())
	}

	for idx := 0; idx < n; idx++ {
		desc := &RunDescriptor{Index: idx, TotalRuns: n, Name: FormatRunName(idx)}
		if err := t.addItem(desc); err != nil {
			return err
		}
		t.runs = append(t.runs, desc)
	}
	return nil
}
