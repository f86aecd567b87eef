package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// DefaultLeaseDuration is how long a lease stays valid without renewal
const DefaultLeaseDuration = 2 * time.Minute

var (
	// ErrLeaseLost is returned when another instance took over the lease
	ErrLeaseLost = errors.New("lease lost")
	// ErrClusterIDInUse is returned when the requested cluster id holds a valid lease
	ErrClusterIDInUse = errors.New("cluster id in use")
)

// Lease is the registration held by one running engine
type Lease struct {
	ClusterID  int
	InstanceID string
	// RecoveryNeeded is set when the previous holder died without releasing
	RecoveryNeeded bool
}

// Registry manages the lease documents in the clusterNodes collection
type Registry struct {
	store         store.DocumentStore
	clock         revision.Clock
	leaseDuration time.Duration
	logger        *zap.Logger
}

// NewRegistry creates a lease registry
func NewRegistry(s store.DocumentStore, clock revision.Clock, leaseDuration time.Duration, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = revision.SystemClock{}
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, clock: clock, leaseDuration: leaseDuration, logger: logger}
}

// LeaseDuration returns the configured lease duration
func (r *Registry) LeaseDuration() time.Duration {
	return r.leaseDuration
}

func (r *Registry) now() int64 {
	return r.clock.Now().UnixMilli()
}

func (r *Registry) activate(op *models.UpdateOp, instanceID string) *models.UpdateOp {
	now := r.now()
	machine, _ := os.Hostname()
	return op.
		Set(models.InstanceKey, instanceID).
		Set(models.StateKey, string(models.StateActive)).
		Set(models.LeaseEndKey, strconv.FormatInt(now+r.leaseDuration.Milliseconds(), 10)).
		Set(models.StartTimeKey, strconv.FormatInt(now, 10)).
		Set(models.LastSeenKey, strconv.FormatInt(now, 10)).
		Set(models.MachineKey, machine)
}

// Acquire registers a new instance under clusterID. A clusterID of 0
// allocates the next free id.
func (r *Registry) Acquire(ctx context.Context, clusterID int) (*Lease, error) {
	if clusterID < 0 || clusterID > revision.MaxClusterID {
		return nil, fmt.Errorf("cluster id %d out of range", clusterID)
	}
	instanceID := uuid.New().String()
	if clusterID == 0 {
		return r.allocate(ctx, instanceID)
	}

	key := models.ClusterNodeKey(clusterID)
	doc, err := r.store.Find(ctx, store.ClusterNodes, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease %d: %w", clusterID, err)
	}

	if doc == nil {
		created, err := r.store.Create(ctx, store.ClusterNodes, r.activate(models.NewUpdateOp(key), instanceID))
		if err != nil {
			return nil, fmt.Errorf("failed to create lease %d: %w", clusterID, err)
		}
		if !created {
			return nil, fmt.Errorf("%w: %d", ErrClusterIDInUse, clusterID)
		}
		r.logger.Info("lease acquired", zap.Int("cluster_id", clusterID), zap.String("instance", instanceID))
		return &Lease{ClusterID: clusterID, InstanceID: instanceID}, nil
	}

	info, err := models.ClusterNodeInfoFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if info.IsActive(r.now()) {
		return nil, fmt.Errorf("%w: %d", ErrClusterIDInUse, clusterID)
	}

	// take over only the lease we looked at
	op := models.NewUpdateOp(key).
		Equals(models.InstanceKey, info.InstanceID).
		Equals(models.LeaseEndKey, strconv.FormatInt(info.LeaseEnd, 10))
	_, err = r.store.FindAndUpdate(ctx, store.ClusterNodes, r.activate(op, instanceID))
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, fmt.Errorf("%w: %d", ErrClusterIDInUse, clusterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %d: %w", clusterID, err)
	}

	lease := &Lease{
		ClusterID:      clusterID,
		InstanceID:     instanceID,
		RecoveryNeeded: info.State == models.StateActive,
	}
	r.logger.Info("lease acquired",
		zap.Int("cluster_id", clusterID),
		zap.String("instance", instanceID),
		zap.Bool("recovery_needed", lease.RecoveryNeeded),
	)
	return lease, nil
}

func (r *Registry) allocate(ctx context.Context, instanceID string) (*Lease, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, n := range nodes {
		if n.ClusterID >= next {
			next = n.ClusterID + 1
		}
	}

	for ; next <= revision.MaxClusterID; next++ {
		key := models.ClusterNodeKey(next)
		created, err := r.store.Create(ctx, store.ClusterNodes, r.activate(models.NewUpdateOp(key), instanceID))
		if err != nil {
			return nil, fmt.Errorf("failed to create lease %d: %w", next, err)
		}
		if created {
			r.logger.Info("lease allocated", zap.Int("cluster_id", next), zap.String("instance", instanceID))
			return &Lease{ClusterID: next, InstanceID: instanceID}, nil
		}
	}
	return nil, fmt.Errorf("no free cluster id left")
}

// Renew extends the lease. It fails with ErrLeaseLost when another instance
// owns the cluster id or the lease was marked inactive.
func (r *Registry) Renew(ctx context.Context, lease *Lease) error {
	now := r.now()
	op := models.NewUpdateOp(models.ClusterNodeKey(lease.ClusterID)).
		Equals(models.InstanceKey, lease.InstanceID).
		Equals(models.StateKey, string(models.StateActive)).
		Set(models.LeaseEndKey, strconv.FormatInt(now+r.leaseDuration.Milliseconds(), 10)).
		Set(models.LastSeenKey, strconv.FormatInt(now, 10))

	previous, err := r.store.FindAndUpdate(ctx, store.ClusterNodes, op)
	if errors.Is(err, store.ErrConditionFailed) || (err == nil && previous == nil) {
		return fmt.Errorf("%w: %d", ErrLeaseLost, lease.ClusterID)
	}
	if err != nil {
		return fmt.Errorf("failed to renew lease %d: %w", lease.ClusterID, err)
	}
	return nil
}

// Release marks the lease inactive
func (r *Registry) Release(ctx context.Context, lease *Lease) error {
	op := models.NewUpdateOp(models.ClusterNodeKey(lease.ClusterID)).
		Equals(models.InstanceKey, lease.InstanceID).
		Set(models.StateKey, string(models.StateNone)).
		Set(models.LeaseEndKey, "0")

	_, err := r.store.FindAndUpdate(ctx, store.ClusterNodes, op)
	if errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("%w: %d", ErrLeaseLost, lease.ClusterID)
	}
	if err != nil {
		return fmt.Errorf("failed to release lease %d: %w", lease.ClusterID, err)
	}
	r.logger.Info("lease released", zap.Int("cluster_id", lease.ClusterID))
	return nil
}

// Get returns the lease record of clusterID, nil when never registered
func (r *Registry) Get(ctx context.Context, clusterID int) (*models.ClusterNodeInfo, error) {
	doc, err := r.store.Find(ctx, store.ClusterNodes, models.ClusterNodeKey(clusterID))
	if err != nil {
		return nil, fmt.Errorf("failed to read lease %d: %w", clusterID, err)
	}
	if doc == nil {
		return nil, nil
	}
	return models.ClusterNodeInfoFromDocument(doc)
}

// List returns all lease records ordered by cluster id
func (r *Registry) List(ctx context.Context) ([]*models.ClusterNodeInfo, error) {
	docs, err := r.store.Query(ctx, store.ClusterNodes, store.MinKey, store.MaxKey, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster nodes: %w", err)
	}
	nodes := make([]*models.ClusterNodeInfo, 0, len(docs))
	for _, doc := range docs {
		info, err := models.ClusterNodeInfoFromDocument(doc)
		if err != nil {
			r.logger.Warn("skipping malformed cluster node", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		nodes = append(nodes, info)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ClusterID < nodes[j].ClusterID
	})
	return nodes, nil
}

// Expired returns the leases still marked active whose lease end passed
func (r *Registry) Expired(ctx context.Context) ([]*models.ClusterNodeInfo, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var expired []*models.ClusterNodeInfo
	for _, n := range nodes {
		if n.NeedsRecovery(now) {
			expired = append(expired, n)
		}
	}
	return expired, nil
}

// MarkRecovered sets an expired lease inactive, provided it still is the
// lease observed in info. It reports whether the lease was changed.
func (r *Registry) MarkRecovered(ctx context.Context, info *models.ClusterNodeInfo) (bool, error) {
	op := models.NewUpdateOp(models.ClusterNodeKey(info.ClusterID)).
		Equals(models.InstanceKey, info.InstanceID).
		Equals(models.StateKey, string(models.StateActive)).
		Equals(models.LeaseEndKey, strconv.FormatInt(info.LeaseEnd, 10)).
		Set(models.StateKey, string(models.StateNone))

	previous, err := r.store.FindAndUpdate(ctx, store.ClusterNodes, op)
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark lease %d recovered: %w", info.ClusterID, err)
	}
	return previous != nil, nil
}
