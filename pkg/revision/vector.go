package revision

import (
	"fmt"
	"sort"
	"strings"
)

// Vector is the per-cluster frontier of visible revisions.
// At most one revision per cluster id; values are never mutated in place.
type Vector struct {
	revs map[int]Revision
}

// NewVector creates a vector from revisions, keeping the greatest per cluster id
func NewVector(revs ...Revision) Vector {
	v := Vector{revs: make(map[int]Revision, len(revs))}
	for _, r := range revs {
		if cur, ok := v.revs[r.ClusterID]; !ok || r.NewerThan(cur) {
			v.revs[r.ClusterID] = r
		}
	}
	return v
}

// Get returns the revision for clusterID
func (v Vector) Get(clusterID int) (Revision, bool) {
	r, ok := v.revs[clusterID]
	return r, ok
}

// Len returns the number of cluster ids in the vector
func (v Vector) Len() int {
	return len(v.revs)
}

// Update returns a copy containing r if r is newer than the current entry
func (v Vector) Update(r Revision) Vector {
	if cur, ok := v.revs[r.ClusterID]; ok && !r.NewerThan(cur) {
		return v
	}
	nv := v.copy()
	nv.revs[r.ClusterID] = r
	return nv
}

// Merge returns the per-cluster maximum of both vectors
func (v Vector) Merge(other Vector) Vector {
	nv := v.copy()
	for clusterID, r := range other.revs {
		if cur, ok := nv.revs[clusterID]; !ok || r.NewerThan(cur) {
			nv.revs[clusterID] = r
		}
	}
	return nv
}

func (v Vector) copy() Vector {
	nv := Vector{revs: make(map[int]Revision, len(v.revs)+1)}
	for k, r := range v.revs {
		nv.revs[k] = r
	}
	return nv
}

// Compare compares two vectors and returns the relationship
// Returns: -1 (v < other), 0 (concurrent or equal), 1 (v > other)
func (v Vector) Compare(other Vector) int {
	hasLess := false
	hasGreater := false

	allKeys := make(map[int]bool)
	for k := range v.revs {
		allKeys[k] = true
	}
	for k := range other.revs {
		allKeys[k] = true
	}

	for k := range allKeys {
		r1, ok1 := v.revs[k]
		r2, ok2 := other.revs[k]

		switch {
		case !ok1:
			hasLess = true
		case !ok2:
			hasGreater = true
		default:
			if c := r1.Compare(r2); c < 0 {
				hasLess = true
			} else if c > 0 {
				hasGreater = true
			}
		}
	}

	if hasLess && hasGreater {
		return 0
	} else if hasLess {
		return -1
	} else if hasGreater {
		return 1
	}
	return 0
}

// Equal reports whether both vectors hold the same revisions
func (v Vector) Equal(other Vector) bool {
	if len(v.revs) != len(other.revs) {
		return false
	}
	for k, r := range v.revs {
		if o, ok := other.revs[k]; !ok || o != r {
			return false
		}
	}
	return true
}

// Dominates reports whether v is at or beyond other for every cluster id
func (v Vector) Dominates(other Vector) bool {
	for k, r := range other.revs {
		cur, ok := v.revs[k]
		if !ok || r.NewerThan(cur) {
			return false
		}
	}
	return true
}

// IsNewerThan reports whether v dominates other and differs from it
func (v Vector) IsNewerThan(other Vector) bool {
	return v.Dominates(other) && !v.Equal(other)
}

// Revisions returns the revisions sorted by cluster id
func (v Vector) Revisions() []Revision {
	revs := make([]Revision, 0, len(v.revs))
	for _, r := range v.revs {
		revs = append(revs, r)
	}
	sort.Slice(revs, func(i, j int) bool {
		return revs[i].ClusterID < revs[j].ClusterID
	})
	return revs
}

// String returns a comma separated representation
func (v Vector) String() string {
	revs := v.Revisions()
	parts := make([]string, len(revs))
	for i, r := range revs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// ParseVector parses a vector from its String form
func ParseVector(s string) (Vector, error) {
	if s == "" {
		return NewVector(), nil
	}
	parts := strings.Split(s, ",")
	revs := make([]Revision, 0, len(parts))
	for _, p := range parts {
		r, err := Parse(p)
		if err != nil {
			return Vector{}, fmt.Errorf("failed to parse vector: %w", err)
		}
		revs = append(revs, r)
	}
	return NewVector(revs...), nil
}
