package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/shivanibhat24/docstore/internal/models"
)

// ChangeSet is the set of paths touched by one or more commits. Every
// ancestor of a changed path counts as changed; the root always does.
type ChangeSet struct {
	paths mapset.Set[string]
}

// NewChangeSet creates a change set containing paths and their ancestors
func NewChangeSet(paths ...string) *ChangeSet {
	cs := &ChangeSet{paths: mapset.NewSet[string]()}
	for _, p := range paths {
		cs.Modified(p)
	}
	return cs
}

// Modified records path and its ancestors as changed
func (cs *ChangeSet) Modified(path string) {
	for p := path; p != models.RootPath && p != ""; {
		if !cs.paths.Add(p) {
			// ancestors were added together with p earlier
			return
		}
		p, _ = models.ParentPath(p)
	}
}

// Contains reports whether path was changed
func (cs *ChangeSet) Contains(path string) bool {
	if path == models.RootPath {
		return true
	}
	return cs.paths.Contains(path)
}

// IsEmpty reports whether only the root is recorded
func (cs *ChangeSet) IsEmpty() bool {
	return cs.paths.Cardinality() == 0
}

// Len returns the number of non-root paths
func (cs *ChangeSet) Len() int {
	return cs.paths.Cardinality()
}

// Paths returns the changed paths including the root, in sorted order
func (cs *ChangeSet) Paths() []string {
	paths := append(cs.paths.ToSlice(), models.RootPath)
	sort.Strings(paths)
	return paths
}

// Merge adds all paths of other
func (cs *ChangeSet) Merge(other *ChangeSet) {
	if other == nil {
		return
	}
	cs.paths.Append(other.paths.ToSlice()...)
}

// Copy returns an independent copy
func (cs *ChangeSet) Copy() *ChangeSet {
	return &ChangeSet{paths: cs.paths.Clone()}
}

func (cs *ChangeSet) tree() map[string]any {
	root := make(map[string]any)
	for _, p := range cs.paths.ToSlice() {
		node := root
		for _, name := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
			child, ok := node[name].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[name] = child
			}
			node = child
		}
	}
	return root
}

// MarshalJSON encodes the set as a nested tree, e.g. {"x":{"y":{}}}
func (cs *ChangeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(cs.tree())
}

// UnmarshalJSON decodes the nested tree format
func (cs *ChangeSet) UnmarshalJSON(data []byte) error {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to parse change tree: %w", err)
	}
	cs.paths = mapset.NewSet[string]()
	return cs.addTree("", tree)
}

func (cs *ChangeSet) addTree(prefix string, tree map[string]any) error {
	for name, child := range tree {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid change tree element %q", name)
		}
		children, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid change tree below %q", prefix+"/"+name)
		}
		path := prefix + "/" + name
		cs.paths.Add(path)
		if err := cs.addTree(path, children); err != nil {
			return err
		}
	}
	return nil
}

// String returns the JSON tree form
func (cs *ChangeSet) String() string {
	data, err := cs.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseChangeSet parses the JSON tree form
func ParseChangeSet(s string) (*ChangeSet, error) {
	cs := NewChangeSet()
	if err := cs.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return cs, nil
}
