package models

import (
	"fmt"
	"strconv"
)

// ClusterState is the registration state of a cluster node
type ClusterState string

const (
	StateActive ClusterState = "ACTIVE"
	StateNone   ClusterState = "NONE"

	InstanceKey  = "instance"
	LeaseEndKey  = "leaseEnd"
	StateKey     = "state"
	StartTimeKey = "startTime"
	LastSeenKey  = "lastSeen"
	MachineKey   = "machine"
)

// ClusterNodeInfo is the lease record of one cluster node
type ClusterNodeInfo struct {
	ClusterID  int          `json:"cluster_id" yaml:"cluster_id"`
	InstanceID string       `json:"instance_id" yaml:"instance_id"`
	Machine    string       `json:"machine,omitempty" yaml:"machine,omitempty"`
	State      ClusterState `json:"state" yaml:"state"`
	LeaseEnd   int64        `json:"lease_end" yaml:"lease_end"`
	StartTime  int64        `json:"start_time" yaml:"start_time"`
	LastSeen   int64        `json:"last_seen" yaml:"last_seen"`
}

// ClusterNodeKey returns the clusterNodes document id for clusterID
func ClusterNodeKey(clusterID int) string {
	return strconv.Itoa(clusterID)
}

// ClusterNodeInfoFromDocument decodes a clusterNodes document
func ClusterNodeInfoFromDocument(doc *Document) (*ClusterNodeInfo, error) {
	clusterID, err := strconv.Atoi(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cluster id %q: %w", doc.ID, err)
	}
	info := &ClusterNodeInfo{ClusterID: clusterID}
	info.InstanceID, _ = doc.Get(InstanceKey)
	info.Machine, _ = doc.Get(MachineKey)
	state, _ := doc.Get(StateKey)
	info.State = ClusterState(state)
	info.LeaseEnd = parseInt(doc, LeaseEndKey)
	info.StartTime = parseInt(doc, StartTimeKey)
	info.LastSeen = parseInt(doc, LastSeenKey)
	return info, nil
}

func parseInt(doc *Document, key string) int64 {
	v, ok := doc.Get(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// IsActive reports whether the node holds a valid lease at nowMillis
func (i *ClusterNodeInfo) IsActive(nowMillis int64) bool {
	return i.State == StateActive && i.LeaseEnd > nowMillis
}

// NeedsRecovery reports whether the node is registered active but its lease expired
func (i *ClusterNodeInfo) NeedsRecovery(nowMillis int64) bool {
	return i.State == StateActive && i.LeaseEnd <= nowMillis
}
