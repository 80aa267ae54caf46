package environment

import (
	"encoding/json"
	"fmt"

	"github.com/sweeplab/sweep/sweeperr"
)

// Args carries the extra arguments a task receives beyond its run view.
// Arguments cross process boundaries under lock and queue mode, so every
// value must be JSON-encodable; Validate enforces that before the first
// run is dispatched rather than letting a worker fail on it later.
type Args struct {
	Positional []any          `json:"positional,omitempty"`
	Keyword    map[string]any `json:"keyword,omitempty"`
}

// Validate checks that every argument survives an encode/decode round
// trip. It returns a typed serialization error naming the offending
// argument.
func (a Args) Validate() error {
	for i, v := range a.Positional {
		if _, err := json.Marshal(v); err != nil {
			return sweeperr.SerializeArgument(fmt.Sprintf("#%d", i), err)
		}
	}
	for k, v := range a.Keyword {
		if _, err := json.Marshal(v); err != nil {
			return sweeperr.SerializeArgument(k, err)
		}
	}
	return nil
}

// Kwarg returns a keyword argument and whether it was set.
func (a Args) Kwarg(name string) (any, bool) {
	v, ok := a.Keyword[name]
	return v, ok
}
