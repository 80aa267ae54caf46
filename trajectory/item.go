// Package trajectory models the parameter/result tree of one sweep: the
// explored parameters, the per-run results, the run table, and the per-run
// views handed to task functions.
package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sweeplab/sweep/sweeperr"
)

// Kind distinguishes the role of an item in the tree.
type Kind string

const (
	KindParameter Kind = "parameter"
	KindResult    Kind = "result"
	KindConfig    Kind = "config"
	KindRun       Kind = "run"
)

// Item is one named entity of the tree. Every item can encode itself to
// bytes and back; that capability is what makes it transportable to worker
// processes and storable by any backend. Encodability is checked when an
// item enters the tree, so a value that cannot cross a process boundary
// fails at the call site instead of deep inside a worker.
type Item interface {
	Path() string
	Kind() Kind
	Encode() ([]byte, error)
	Decode(data []byte) error
}

// ErrLocked is returned when a locked parameter is mutated.
var ErrLocked = errors.New("parameter is locked")

// ErrNotFound is returned when a path does not resolve to an item.
var ErrNotFound = errors.New("item not found")

// checkEncodable rejects values that cannot round-trip through the codec.
func checkEncodable(path string, v any) error {
	if _, err := json.Marshal(v); err != nil {
		return sweeperr.SerializeItem(path, err)
	}
	return nil
}

// Parameter is a single sweep parameter: a default value and, once the
// parameter is explored, one value per run. Config entries reuse the same
// type under KindConfig.
type Parameter struct {
	path     string
	kind     Kind
	comment  string
	value    any
	explored []any
	locked   bool
}

// NewParameter creates a parameter with the given full path and default value.
func NewParameter(path string, value any) *Parameter {
	return &Parameter{path: path, kind: KindParameter, value: value}
}

// NewConfig creates a config entry with the given full path and value.
func NewConfig(path string, value any) *Parameter {
	return &Parameter{path: path, kind: KindConfig, value: value}
}

// Path returns the full dotted path of the parameter.
func (p *Parameter) Path() string { return p.path }

// Kind returns KindParameter or KindConfig.
func (p *Parameter) Kind() Kind { return p.kind }

// Comment returns the parameter comment.
func (p *Parameter) Comment() string { return p.comment }

// SetComment sets the parameter comment.
func (p *Parameter) SetComment(c string) { p.comment = c }

// Value returns the default value of the parameter.
func (p *Parameter) Value() any { return p.value }

// ValueAt returns the value the parameter takes in run idx. For an
// unexplored parameter, or for the trajectory-level index, this is the
// default value.
func (p *Parameter) ValueAt(idx int) any {
	if idx >= 0 && idx < len(p.explored) {
		return p.explored[idx]
	}
	return p.value
}

// Set replaces the default value. Locked parameters reject mutation.
func (p *Parameter) Set(v any) error {
	if p.locked {
		return fmt.Errorf("%s: %w", p.path, ErrLocked)
	}
	if err := checkEncodable(p.path, v); err != nil {
		return err
	}
	p.value = v
	return nil
}

// Explore assigns the per-run value sequence of the parameter.
func (p *Parameter) Explore(values []any) error {
	if p.locked {
		return fmt.Errorf("%s: %w", p.path, ErrLocked)
	}
	if len(values) == 0 {
		return fmt.Errorf("%s: explore with empty value sequence", p.path)
	}
	for i, v := range values {
		if err := checkEncodable(fmt.Sprintf("%s[%d]", p.path, i), v); err != nil {
			return err
		}
	}
	p.explored = append([]any(nil), values...)
	return nil
}

// Explored reports whether the parameter carries per-run values.
func (p *Parameter) Explored() bool { return len(p.explored) > 0 }

// Range returns a copy of the per-run value sequence.
func (p *Parameter) Range() []any {
	return append([]any(nil), p.explored...)
}

// Lock freezes the parameter against further mutation.
func (p *Parameter) Lock() { p.locked = true }

// Locked reports whether the parameter is frozen.
func (p *Parameter) Locked() bool { return p.locked }

type parameterPayload struct {
	Value    any    `json:"value"`
	Explored []any  `json:"explored,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Locked   bool   `json:"locked,omitempty"`
}

// Encode serializes the parameter payload.
func (p *Parameter) Encode() ([]byte, error) {
	data, err := json.Marshal(parameterPayload{
		Value:    p.value,
		Explored: p.explored,
		Comment:  p.comment,
		Locked:   p.locked,
	})
	if err != nil {
		return nil, sweeperr.SerializeItem(p.path, err)
	}
	return data, nil
}

// Decode restores the parameter payload.
func (p *Parameter) Decode(data []byte) error {
	var payload parameterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return sweeperr.SerializeItem(p.path, err)
	}
	p.value = payload.Value
	p.explored = payload.Explored
	p.comment = payload.Comment
	p.locked = payload.Locked
	return nil
}

// Result is a single named outcome produced by a run (or at trajectory
// level during finalization).
type Result struct {
	path    string
	comment string
	value   any
}

// NewResult creates a result with the given full path and value.
func NewResult(path string, value any) *Result {
	return &Result{path: path, value: value}
}

// Path returns the full dotted path of the result.
func (r *Result) Path() string { return r.path }

// Kind returns KindResult.
func (r *Result) Kind() Kind { return KindResult }

// Comment returns the result comment.
func (r *Result) Comment() string { return r.comment }

// SetComment sets the result comment.
func (r *Result) SetComment(c string) { r.comment = c }

// Value returns the stored value.
func (r *Result) Value() any { return r.value }

// Set replaces the stored value.
func (r *Result) Set(v any) error {
	if err := checkEncodable(r.path, v); err != nil {
		return err
	}
	r.value = v
	return nil
}

type resultPayload struct {
	Value   any    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// Encode serializes the result payload.
func (r *Result) Encode() ([]byte, error) {
	data, err := json.Marshal(resultPayload{Value: r.value, Comment: r.comment})
	if err != nil {
		return nil, sweeperr.SerializeItem(r.path, err)
	}
	return data, nil
}

// Decode restores the result payload.
func (r *Result) Decode(data []byte) error {
	var payload resultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return sweeperr.SerializeItem(r.path, err)
	}
	r.value = payload.Value
	r.comment = payload.Comment
	return nil
}

// NewItemOfKind constructs an empty item of the given kind at path, ready
// for Decode. Used when reading items back from a store or a snapshot.
func NewItemOfKind(kind Kind, path string) (Item, error) {
	switch kind {
	case KindParameter:
		return &Parameter{path: path, kind: KindParameter}, nil
	case KindConfig:
		return &Parameter{path: path, kind: KindConfig}, nil
	case KindResult:
		return &Result{path: path}, nil
	case KindRun:
		return &RunDescriptor{}, nil
	default:
		return nil, fmt.Errorf("unknown item kind %q", kind)
	}
}
