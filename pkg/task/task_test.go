// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRegistry(store.NewRedisStore(rdb))
}

func TestSetGetCaseNormalized(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "AbCd", ProjectName: "libpng", Deadline: now.Add(time.Hour).Unix()}))

	got, found, err := r.Get(ctx, "ABCD")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "AbCd", got.TaskID)
	require.False(t, got.Cancelled)
}

func TestGetUnknownNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, found, err := r.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMarkCancelledReflectedInGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "T1", Deadline: now.Add(time.Hour).Unix()}))
	require.NoError(t, r.MarkCancelled(ctx, "T1"))

	got, found, err := r.Get(ctx, "T1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Cancelled)
}

func TestDeleteRemovesHashAndCancelledEntry(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "T1", Deadline: now.Add(time.Hour).Unix()}))
	require.NoError(t, r.MarkCancelled(ctx, "T1"))
	require.NoError(t, r.Delete(ctx, "T1"))

	_, found, err := r.Get(ctx, "T1")
	require.NoError(t, err)
	require.False(t, found)

	isCancelled, err := r.IsCancelled(ctx, "T1")
	require.NoError(t, err)
	require.False(t, isCancelled)
}

func TestIsExpiredUnknownTaskNotExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	expired, err := r.IsExpired(ctx, "ghost", 0, time.Now())
	require.NoError(t, err)
	require.False(t, expired)
}

func TestIsExpiredPastDeadline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "T1", Deadline: now.Add(-time.Minute).Unix()}))
	expired, err := r.IsExpired(ctx, "T1", 0, now)
	require.NoError(t, err)
	require.True(t, expired)
}

func TestShouldStopProcessingMonotone(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "T1", Deadline: now.Add(time.Hour).Unix()}))

	stop, err := r.ShouldStopProcessing(ctx, "T1", nil, now)
	require.NoError(t, err)
	require.False(t, stop)

	require.NoError(t, r.MarkCancelled(ctx, "T1"))
	stop, err = r.ShouldStopProcessing(ctx, "T1", nil, now)
	require.NoError(t, err)
	require.True(t, stop)
}

func TestGetLiveTasksFiltersCancelledAndExpired(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	now := time.Now()
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "live", Deadline: now.Add(time.Hour).Unix()}))
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "dead-cancelled", Deadline: now.Add(time.Hour).Unix()}))
	require.NoError(t, r.MarkCancelled(ctx, "dead-cancelled"))
	require.NoError(t, r.Set(ctx, msg.Task{TaskID: "dead-expired", Deadline: now.Add(-time.Hour).Unix()}))

	live, err := r.GetLiveTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "live", live[0].Task.TaskID)
}

func TestSarifStoreAddList(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := NewSarifStore(store.NewRedisStore(rdb))

	require.NoError(t, s.Add(ctx, "T1", `{"rule":"r1"}`))
	require.NoError(t, s.Add(ctx, "T1", `{"rule":"r2"}`))

	blobs, err := s.List(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, []string{`{"rule":"r1"}`, `{"rule":"r2"}`}, blobs)
}
