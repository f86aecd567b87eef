package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxClusterID is the largest cluster id that fits the fixed-width key encoding.
const MaxClusterID = 0xffff

// Revision identifies a point in the logical time of one cluster node.
type Revision struct {
	Timestamp int64 // milliseconds since epoch
	Counter   int32
	ClusterID int
	Branch    bool
}

// New creates a trunk revision
func New(timestamp int64, counter int32, clusterID int) Revision {
	return Revision{Timestamp: timestamp, Counter: counter, ClusterID: clusterID}
}

// IsZero reports whether r is the zero value
func (r Revision) IsZero() bool {
	return r == Revision{}
}

// AsBranch returns the same revision in the branch namespace
func (r Revision) AsBranch() Revision {
	r.Branch = true
	return r
}

// AsTrunk returns the same revision in the trunk namespace
func (r Revision) AsTrunk() Revision {
	r.Branch = false
	return r
}

// Compare orders revisions by timestamp, counter and cluster id.
// Trunk revisions sort before branch revisions.
// Returns: -1 (r < other), 0 (equal), 1 (r > other)
func (r Revision) Compare(other Revision) int {
	if r.Branch != other.Branch {
		if r.Branch {
			return 1
		}
		return -1
	}
	switch {
	case r.Timestamp < other.Timestamp:
		return -1
	case r.Timestamp > other.Timestamp:
		return 1
	case r.Counter < other.Counter:
		return -1
	case r.Counter > other.Counter:
		return 1
	case r.ClusterID < other.ClusterID:
		return -1
	case r.ClusterID > other.ClusterID:
		return 1
	}
	return 0
}

// NewerThan reports whether r is strictly greater than other
func (r Revision) NewerThan(other Revision) bool {
	return r.Compare(other) > 0
}

// String returns the canonical representation, e.g. r1a2b3c4d5e-0-2
func (r Revision) String() string {
	var sb strings.Builder
	if r.Branch {
		sb.WriteByte('b')
	}
	sb.WriteByte('r')
	sb.WriteString(strconv.FormatInt(r.Timestamp, 16))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(int64(r.Counter), 16))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(int64(r.ClusterID), 16))
	return sb.String()
}

// Key returns a fixed-width key whose byte order matches revision order
// inside one (cluster id, branch) partition.
func (r Revision) Key() string {
	key := fmt.Sprintf("%04x_%013x_%08x", r.ClusterID, r.Timestamp, uint32(r.Counter))
	if r.Branch {
		return "b" + key
	}
	return key
}

// Parse parses a revision from its String form
func Parse(s string) (Revision, error) {
	var r Revision
	rest := s
	if strings.HasPrefix(rest, "b") {
		r.Branch = true
		rest = rest[1:]
	}
	if !strings.HasPrefix(rest, "r") {
		return Revision{}, fmt.Errorf("failed to parse revision %q: missing prefix", s)
	}
	parts := strings.Split(rest[1:], "-")
	if len(parts) != 3 {
		return Revision{}, fmt.Errorf("failed to parse revision %q: expected 3 fields", s)
	}
	ts, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision %q: %w", s, err)
	}
	counter, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision %q: %w", s, err)
	}
	clusterID, err := strconv.ParseInt(parts[2], 16, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision %q: %w", s, err)
	}
	r.Timestamp = ts
	r.Counter = int32(counter)
	r.ClusterID = int(clusterID)
	return r, nil
}

// ParseKey parses a revision from its Key form
func ParseKey(key string) (Revision, error) {
	var r Revision
	rest := key
	if strings.HasPrefix(rest, "b") {
		r.Branch = true
		rest = rest[1:]
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return Revision{}, fmt.Errorf("failed to parse revision key %q", key)
	}
	clusterID, err := strconv.ParseInt(parts[0], 16, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision key %q: %w", key, err)
	}
	ts, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision key %q: %w", key, err)
	}
	counter, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("failed to parse revision key %q: %w", key, err)
	}
	r.ClusterID = int(clusterID)
	r.Timestamp = ts
	r.Counter = int32(counter)
	return r, nil
}

// Max returns the greater of two revisions
func Max(a, b Revision) Revision {
	if b.Compare(a) > 0 {
		return b
	}
	return a
}
