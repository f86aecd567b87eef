package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

func newRegistry(t *testing.T) (*Registry, *revision.VirtualClock) {
	clock := revision.NewVirtualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(store.NewMemoryStore(), clock, time.Minute, zaptest.NewLogger(t)), clock
}

func TestAcquireAllocatesIDs(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	a, err := r.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ClusterID)
	assert.NotEmpty(t, a.InstanceID)

	b, err := r.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ClusterID)
	assert.NotEqual(t, a.InstanceID, b.InstanceID)

	c, err := r.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, c.ClusterID)
	assert.False(t, c.RecoveryNeeded)

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []int{1, 2, 7}, []int{nodes[0].ClusterID, nodes[1].ClusterID, nodes[2].ClusterID})

	_, err = r.Acquire(ctx, revision.MaxClusterID+1)
	assert.Error(t, err)
}

func TestAcquireActiveLeaseFails(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, err := r.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrClusterIDInUse)
}

func TestAcquireExpiredLeaseNeedsRecovery(t *testing.T) {
	ctx := context.Background()
	r, clock := newRegistry(t)

	_, err := r.Acquire(ctx, 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	expired, err := r.Expired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	lease, err := r.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, lease.RecoveryNeeded)

	info, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, lease.InstanceID, info.InstanceID)
	assert.True(t, info.IsActive(clock.Now().UnixMilli()))
}

func TestReleasedLeaseIsReusedWithoutRecovery(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	lease, err := r.Acquire(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, lease))

	info, err := r.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.StateNone, info.State)

	again, err := r.Acquire(ctx, 3)
	require.NoError(t, err)
	assert.False(t, again.RecoveryNeeded)
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	r, clock := newRegistry(t)

	lease, err := r.Acquire(ctx, 1)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, r.Renew(ctx, lease))

	info, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), info.LeaseEnd)

	// another instance took over after expiry
	clock.Advance(2 * time.Minute)
	_, err = r.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Renew(ctx, lease), ErrLeaseLost)

	assert.ErrorIs(t, r.Renew(ctx, &Lease{ClusterID: 42, InstanceID: "x"}), ErrLeaseLost)
}

func TestMarkRecovered(t *testing.T) {
	ctx := context.Background()
	r, clock := newRegistry(t)

	_, err := r.Acquire(ctx, 2)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	info, err := r.Get(ctx, 2)
	require.NoError(t, err)

	changed, err := r.MarkRecovered(ctx, info)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.MarkRecovered(ctx, info)
	require.NoError(t, err)
	assert.False(t, changed)

	expired, err := r.Expired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	missing, err := r.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
