// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package povstatus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTracker(store.NewRedisStore(rdb))
}

func sampleReq() msg.POVReproduceRequest {
	return msg.POVReproduceRequest{TaskID: "T1", InternalPatchID: "P1", PovPath: "/p1", Sanitizer: "address", HarnessName: "H"}
}

func TestHappyPathPOV(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	req := sampleReq()

	status, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.True(t, status.Pending)

	moved, err := tr.MarkMitigated(ctx, req)
	require.NoError(t, err)
	require.True(t, moved)

	status, err = tr.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.False(t, status.Pending)
	require.False(t, status.DidCrash)
}

func TestConcurrentResolversExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	req := sampleReq()
	_, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err)

	moved1, err := tr.MarkNonMitigated(ctx, req)
	require.NoError(t, err)
	moved2, err := tr.MarkNonMitigated(ctx, req)
	require.NoError(t, err)

	require.True(t, moved1 != moved2, "exactly one mover must win")

	status, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.False(t, status.Pending)
	require.True(t, status.DidCrash)
}

func TestRequestStatusCachePathSkipsStorage(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := store.NewRedisStore(rdb)
	tr := NewTracker(s)
	req := sampleReq()

	_, err = tr.RequestStatus(ctx, req)
	require.NoError(t, err)
	_, err = tr.MarkMitigated(ctx, req)
	require.NoError(t, err)
	_, err = tr.RequestStatus(ctx, req) // populates cache

	mr.Close() // storage now unreachable
	status, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err, "terminal state must resolve from cache without contacting storage")
	require.False(t, status.DidCrash)
}

func TestGetOnePendingEmpty(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	_, ok, err := tr.GetOnePending(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetOnePendingReturnsSeededRequest(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	req := sampleReq()
	_, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err)

	got, ok, err := tr.GetOnePending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, req, got)
}

func TestMarkExpiredFromPending(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	req := sampleReq()
	_, err := tr.RequestStatus(ctx, req)
	require.NoError(t, err)

	moved, err := tr.MarkExpired(ctx, req)
	require.NoError(t, err)
	require.True(t, moved)

	moved, err = tr.MarkExpired(ctx, req)
	require.NoError(t, err)
	require.False(t, moved, "already-moved key cannot move again")
}
