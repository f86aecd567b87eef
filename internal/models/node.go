package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shivanibhat24/docstore/pkg/revision"
)

const (
	RootPath = "/"

	PathKey      = "_path"
	ModifiedKey  = "_modified"
	DeletedKey   = "_deleted"
	LastRevMap   = "_lastRev"
	RevisionsMap = "_revisions"
	PropsMap     = "_props"

	// CommittedValue marks a revision in the _revisions map as committed
	CommittedValue = "c"

	// ModifiedResolution is the granularity of _modified, in seconds
	ModifiedResolution = 5
)

// Change is one opaque modification of a node in a commit
type Change struct {
	Path       string            `json:"path"`
	Properties map[string]string `json:"properties,omitempty"`
	Removed    bool              `json:"removed,omitempty"`
}

// IDFromPath returns the document id for a path, e.g. "2:/x/y"
func IDFromPath(path string) string {
	return strconv.Itoa(Depth(path)) + ":" + path
}

// PathFromID returns the path encoded in a document id
func PathFromID(id string) (string, error) {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return id[i+1:], nil
}

// Depth returns the number of path elements; the root has depth 0
func Depth(path string) int {
	if path == RootPath {
		return 0
	}
	return strings.Count(path, "/")
}

// ParentPath returns the parent of path. The root has no parent.
func ParentPath(path string) (string, bool) {
	if path == RootPath || path == "" {
		return "", false
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return RootPath, true
	}
	return path[:i], true
}

// Ancestors returns the ancestors of path, nearest first, ending with the root
func Ancestors(path string) []string {
	var paths []string
	for p, ok := ParentPath(path); ok; p, ok = ParentPath(p) {
		paths = append(paths, p)
	}
	return paths
}

// ValidatePath checks that path is absolute and normalized
func ValidatePath(path string) error {
	if path == RootPath {
		return nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("invalid path %q", path)
	}
	return nil
}

// ModifiedInSecs converts a millisecond timestamp to the _modified resolution
func ModifiedInSecs(ms int64) int64 {
	secs := ms / 1000
	return secs - secs%ModifiedResolution
}

// NodeDocument is the view of a document in the nodes collection
type NodeDocument struct {
	*Document
}

// NewNodeDocument wraps a stored document
func NewNodeDocument(doc *Document) *NodeDocument {
	return &NodeDocument{Document: doc}
}

// Path returns the node path
func (n *NodeDocument) Path() string {
	if p, ok := n.Get(PathKey); ok {
		return p
	}
	p, _ := PathFromID(n.ID)
	return p
}

// LastRev returns the last revision recorded for clusterID. Absent entries
// are reported with ok == false, never as a zero revision.
func (n *NodeDocument) LastRev(clusterID int) (revision.Revision, bool) {
	v, ok := n.MapEntry(LastRevMap, strconv.Itoa(clusterID))
	if !ok {
		return revision.Revision{}, false
	}
	r, err := revision.Parse(v)
	if err != nil {
		return revision.Revision{}, false
	}
	return r, true
}

// LastRevs returns all last revisions keyed by cluster id
func (n *NodeDocument) LastRevs() map[int]revision.Revision {
	revs := make(map[int]revision.Revision)
	for k, v := range n.Map(LastRevMap) {
		clusterID, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		r, err := revision.Parse(v)
		if err != nil {
			continue
		}
		revs[clusterID] = r
	}
	return revs
}

// LastModification returns the newest trunk revision clusterID committed
// on this document
func (n *NodeDocument) LastModification(clusterID int) (revision.Revision, bool) {
	var newest revision.Revision
	found := false
	for k, v := range n.Map(RevisionsMap) {
		if v != CommittedValue {
			continue
		}
		r, err := revision.Parse(k)
		if err != nil || r.Branch || r.ClusterID != clusterID {
			continue
		}
		if !found || r.NewerThan(newest) {
			newest = r
			found = true
		}
	}
	return newest, found
}

// Modified returns the _modified value in seconds, 0 when absent
func (n *NodeDocument) Modified() int64 {
	v, ok := n.Get(ModifiedKey)
	if !ok {
		return 0
	}
	secs, _ := strconv.ParseInt(v, 10, 64)
	return secs
}

// IsDeleted reports whether the last commit removed the node
func (n *NodeDocument) IsDeleted() bool {
	v, _ := n.Get(DeletedKey)
	return v == "true"
}

// Property returns an opaque property value
func (n *NodeDocument) Property(name string) (string, bool) {
	return n.MapEntry(PropsMap, name)
}

// SetLastRev adds a monotonic last revision update to op
func SetLastRev(op *UpdateOp, rev revision.Revision) *UpdateOp {
	return op.MaxRevisionEntry(LastRevMap, strconv.Itoa(rev.ClusterID), rev)
}

// NewCommitOp builds the update that records change as committed at rev
func NewCommitOp(change Change, rev revision.Revision) *UpdateOp {
	op := NewUpdateOp(IDFromPath(change.Path)).
		Set(PathKey, change.Path).
		SetMapEntry(RevisionsMap, rev.String(), CommittedValue).
		Max(ModifiedKey, ModifiedInSecs(rev.Timestamp)).
		Set(DeletedKey, strconv.FormatBool(change.Removed))
	for name, value := range change.Properties {
		op.SetMapEntry(PropsMap, name, value)
	}
	return op
}
