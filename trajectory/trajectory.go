package trajectory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StorageService is what the trajectory needs from a persistence backend.
// Implementations live in the storage package; the trajectory only ever
// holds one active service and does not care whether it is a direct
// backend, a lock wrapper or a relay sender.
type StorageService interface {
	// Store durably persists the given items. When the call returns
	// successfully the items are visible to subsequent Load and
	// IsRunCompleted calls issued by the same caller.
	Store(ctx context.Context, tc Context, items []Item) error
	// Load retrieves items by full path.
	Load(ctx context.Context, tc Context, keys []string) ([]Item, error)
	// Remove deletes an item, cascading to the whole subtree when asked.
	Remove(ctx context.Context, tc Context, key string, cascade bool) error
	// IsRunCompleted answers from durable state, never from memory, so
	// the answer survives a process restart.
	IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error)
}

// Context identifies the trajectory, and optionally the active run, on
// whose behalf a storage call is made.
type Context struct {
	Trajectory string `json:"trajectory"`
	RunIndex   int    `json:"run_index"`
}

// node is one vertex of the tree: either a group with ordered children or
// a leaf carrying an item.
type node struct {
	name     string
	children map[string]*node
	order    []string
	item     Item
}

func newGroup(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

// Trajectory is the full parameter/result tree for one sweep. It lives for
// the whole process; the orchestrator swaps its storage service and moves
// its run index, user code adds parameters and results.
type Trajectory struct {
	name      string
	comment   string
	timestamp time.Time
	idx       int
	fullCopy  bool
	root      *node
	flat      map[string]Item
	runs      []*RunDescriptor
	explored  []string
	service   StorageService
}

// New creates an empty trajectory.
func New(name string) *Trajectory {
	if name == "" {
		name = "trajectory"
	}
	return &Trajectory{
		name:      name,
		timestamp: time.Now(),
		idx:       IdxTrajectory,
		root:      newGroup(""),
		flat:      make(map[string]Item),
	}
}

// Name returns the trajectory name.
func (t *Trajectory) Name() string { return t.name }

// Comment returns the trajectory comment.
func (t *Trajectory) Comment() string { return t.comment }

// SetComment sets the trajectory comment.
func (t *Trajectory) SetComment(c string) { t.comment = c }

// Timestamp returns the creation time.
func (t *Trajectory) Timestamp() time.Time { return t.timestamp }

// RunIndex returns the currently selected run, or IdxTrajectory.
func (t *Trajectory) RunIndex() int { return t.idx }

func (t *Trajectory) setRunIndex(idx int) { t.idx = idx }

// FullCopy reports whether snapshots of this trajectory carry the complete
// explored ranges for every run.
func (t *Trajectory) FullCopy() bool { return t.fullCopy }

// SetFullCopy toggles the snapshot behavior.
func (t *Trajectory) SetFullCopy(full bool) { t.fullCopy = full }

// SetStorageService installs the active storage service.
func (t *Trajectory) SetStorageService(s StorageService) { t.service = s }

// StorageService returns the active storage service, which may be nil.
func (t *Trajectory) StorageService() StorageService { return t.service }

// Context returns the storage context for the current run selection.
func (t *Trajectory) Context() Context {
	return Context{Trajectory: t.name, RunIndex: t.idx}
}

// AddParameter adds a parameter under the parameters subtree. The path may
// be given with or without the "parameters." prefix.
func (t *Trajectory) AddParameter(path string, value any) (*Parameter, error) {
	full := ensurePrefix(path, "parameters.")
	if err := checkEncodable(full, value); err != nil {
		return nil, err
	}
	p := NewParameter(full, value)
	if err := t.addItem(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddConfig adds a config entry under the config subtree.
func (t *Trajectory) AddConfig(path string, value any) (*Parameter, error) {
	full := ensurePrefix(path, "config.")
	if err := checkEncodable(full, value); err != nil {
		return nil, err
	}
	p := NewConfig(full, value)
	if err := t.addItem(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddResult adds a trajectory-level result under the results subtree. Task
// functions add per-run results through their RunView instead.
func (t *Trajectory) AddResult(path string, value any) (*Result, error) {
	full := ensurePrefix(path, "results.")
	if err := checkEncodable(full, value); err != nil {
		return nil, err
	}
	r := NewResult(full, value)
	if err := t.addItem(r); err != nil {
		return nil, err
	}
	return r, nil
}

func ensurePrefix(path, prefix string) string {
	if strings.HasPrefix(path, prefix) {
		return path
	}
	return prefix + path
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty item path")
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// addItem places an item into the tree and the flat index.
func (t *Trajectory) addItem(item Item) error {
	path := item.Path()
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if _, exists := t.flat[path]; exists {
		return fmt.Errorf("item %s already exists", path)
	}

	cur := t.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.children[seg]
		if !ok {
			child = newGroup(seg)
			cur.children[seg] = child
			cur.order = append(cur.order, seg)
		}
		if child.item != nil {
			return fmt.Errorf("path %s passes through leaf %s", path, child.name)
		}
		cur = child
	}

	last := segs[len(segs)-1]
	if existing, ok := cur.children[last]; ok {
		if existing.item != nil {
			return fmt.Errorf("item %s already exists", path)
		}
		return fmt.Errorf("%s is a group, not a leaf", path)
	}

	leaf := &node{name: last, item: item}
	cur.children[last] = leaf
	cur.order = append(cur.order, last)
	t.flat[path] = item
	return nil
}

// searchPrefixes are tried, in order, when a lookup path does not match a
// full path exactly.
var searchPrefixes = []string{"parameters.", "config.", "results.", "runs."}

// Get resolves a dotted path to an item. A path without its subtree prefix
// is tried under each standard prefix in a fixed order.
func (t *Trajectory) Get(path string) (Item, error) {
	if item, ok := t.flat[path]; ok {
		return item, nil
	}
	for _, prefix := range searchPrefixes {
		if item, ok := t.flat[prefix+path]; ok {
			return item, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
}

// Contains reports whether the path resolves to an item.
func (t *Trajectory) Contains(path string) bool {
	_, err := t.Get(path)
	return err == nil
}

// Remove deletes an item from the tree and prunes group nodes left empty.
// Explored parameters cannot be removed once the run table is fixed.
func (t *Trajectory) Remove(path string) error {
	item, err := t.Get(path)
	if err != nil {
		return err
	}
	full := item.Path()
	if p, ok := item.(*Parameter); ok && p.Explored() && len(t.runs) > 0 {
		return fmt.Errorf("cannot remove explored parameter %s", full)
	}

	segs, _ := splitPath(full)
	chain := make([]*node, 0, len(segs)+1)
	cur := t.root
	chain = append(chain, cur)
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			return fmt.Errorf("%s: %w", full, ErrNotFound)
		}
		cur = next
		chain = append(chain, cur)
	}

	// Drop the leaf, then prune empty groups bottom-up.
	for i := len(chain) - 1; i >= 1; i-- {
		n := chain[i]
		if i < len(chain)-1 && (len(n.children) > 0 || n.item != nil) {
			break
		}
		parent := chain[i-1]
		delete(parent.children, n.name)
		for j, name := range parent.order {
			if name == n.name {
				parent.order = append(parent.order[:j], parent.order[j+1:]...)
				break
			}
		}
	}

	delete(t.flat, full)
	return nil
}

// Items returns every item of the tree in depth-first insertion order.
func (t *Trajectory) Items() []Item {
	var items []Item
	var walk func(n *node)
	walk = func(n *node) {
		if n.item != nil {
			items = append(items, n.item)
			return
		}
		for _, name := range n.order {
			walk(n.children[name])
		}
	}
	walk(t.root)
	return items
}

// Len returns the number of runs in the run table.
func (t *Trajectory) Len() int { return len(t.runs) }

// Runs returns the live run descriptors in index order.
func (t *Trajectory) Runs() []*RunDescriptor {
	return append([]*RunDescriptor(nil), t.runs...)
}

// Run returns the descriptor of run idx.
func (t *Trajectory) Run(idx int) (*RunDescriptor, error) {
	if idx < 0 || idx >= len(t.runs) {
		return nil, fmt.Errorf("run index %d out of range [0,%d)", idx, len(t.runs))
	}
	return t.runs[idx], nil
}

// MarkCompleted flips the completion flag of run idx in memory. Durable
// completion is the storage backend's business; this is orchestrator
// bookkeeping only.
func (t *Trajectory) MarkCompleted(idx int) error {
	desc, err := t.Run(idx)
	if err != nil {
		return err
	}
	desc.Completed = true
	return nil
}

// EnsureRunTable guarantees at least one run exists, so an unexplored
// trajectory still executes once with its default values.
func (t *Trajectory) EnsureRunTable() error {
	if len(t.runs) > 0 {
		return nil
	}
	desc := &RunDescriptor{Index: 0, TotalRuns: 1, Name: FormatRunName(0)}
	if err := t.addItem(desc); err != nil {
		return err
	}
	t.runs = []*RunDescriptor{desc}
	return nil
}

// ExploredPaths returns the full paths of explored parameters in the order
// they were explored.
func (t *Trajectory) ExploredPaths() []string {
	return append([]string(nil), t.explored...)
}

// MakeRun selects run idx and returns the view task functions work
// against.
func (t *Trajectory) MakeRun(idx int) (*RunView, error) {
	desc, err := t.Run(idx)
	if err != nil {
		return nil, err
	}
	t.setRunIndex(idx)
	return &RunView{traj: t, desc: desc}, nil
}

// LockParameters freezes all parameters and config entries. The
// orchestrator calls this before dispatch; past that point the parameter
// space must not move under the runs.
func (t *Trajectory) LockParameters() {
	for _, item := range t.Items() {
		if p, ok := item.(*Parameter); ok {
			p.Lock()
		}
	}
}
