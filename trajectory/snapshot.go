package trajectory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ItemEnvelope is the wire form of one item: kind, full path and encoded
// payload. Storage backends, relay messages and snapshots all move items
// in this shape.
type ItemEnvelope struct {
	Kind Kind            `json:"kind"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// EncodeItems converts items to wire form, preserving order.
func EncodeItems(items []Item) ([]ItemEnvelope, error) {
	envs := make([]ItemEnvelope, 0, len(items))
	for _, item := range items {
		data, err := item.Encode()
		if err != nil {
			return nil, err
		}
		envs = append(envs, ItemEnvelope{Kind: item.Kind(), Path: item.Path(), Data: data})
	}
	return envs, nil
}

// DecodeItems converts wire-form envelopes back to items, preserving order.
func DecodeItems(envs []ItemEnvelope) ([]Item, error) {
	items := make([]Item, 0, len(envs))
	for _, env := range envs {
		item, err := NewItemOfKind(env.Kind, env.Path)
		if err != nil {
			return nil, err
		}
		if err := item.Decode(env.Data); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

type snapshot struct {
	Name      string         `json:"name"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	FullCopy  bool           `json:"full_copy"`
	Explored  []string       `json:"explored,omitempty"`
	Items     []ItemEnvelope `json:"items"`
}

// Snapshot serializes the whole trajectory, including the run table and
// the complete explored ranges, to a self-contained blob. The active
// storage service is deliberately not part of it.
func (t *Trajectory) Snapshot() ([]byte, error) {
	envs, err := EncodeItems(t.Items())
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshot{
		Name:      t.name,
		Comment:   t.comment,
		Timestamp: t.timestamp,
		FullCopy:  t.fullCopy,
		Explored:  t.explored,
		Items:     envs,
	})
}

// FromSnapshot rebuilds a trajectory from a Snapshot blob. The result has
// no storage service installed and no run selected.
func FromSnapshot(data []byte) (*Trajectory, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding trajectory snapshot: %w", err)
	}

	t := New(snap.Name)
	t.comment = snap.Comment
	t.timestamp = snap.Timestamp
	t.fullCopy = snap.FullCopy
	t.explored = append([]string(nil), snap.Explored...)

	items, err := DecodeItems(snap.Items)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := t.addItem(item); err != nil {
			return nil, err
		}
		if desc, ok := item.(*RunDescriptor); ok {
			t.runs = append(t.runs, desc)
		}
	}
	sort.Slice(t.runs, func(i, j int) bool { return t.runs[i].Index < t.runs[j].Index })
	return t, nil
}
