// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-go/pkg/buildmap"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/povstatus"
	"github.com/trailofbits/buttercup-go/pkg/store"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

func newBackgroundEnv(t *testing.T) (store.Store, *task.Registry, *buildmap.BuildMap, *povstatus.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := store.NewRedisStore(rdb)
	return s, task.NewRegistry(s), buildmap.NewBuildMap(s), povstatus.NewTracker(s)
}

func TestPOVReproducerHappyPathMitigated(t *testing.T) {
	ctx := context.Background()
	s, registry, builds, tracker := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, builds.AddBuild(ctx, msg.BuildOutput{TaskID: "T1", BuildType: msg.BuildTypeTracerNoDiff, Sanitizer: "address", TaskDir: ""}))

	req := msg.POVReproduceRequest{TaskID: "T1", PovPath: "hello", Sanitizer: "address", HarnessName: "true"}
	_, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)

	r := NewPOVReproducer(tracker, registry, builds, time.Second, 3)
	require.NoError(t, r.RunOnce(ctx))

	status, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.False(t, status.Pending)
	require.False(t, status.DidCrash)
	_ = s
}

func TestPOVReproducerCrashingHarnessMarksNonMitigated(t *testing.T) {
	ctx := context.Background()
	_, registry, builds, tracker := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, builds.AddBuild(ctx, msg.BuildOutput{TaskID: "T1", BuildType: msg.BuildTypeTracerNoDiff, Sanitizer: "address", TaskDir: ""}))

	req := msg.POVReproduceRequest{TaskID: "T1", PovPath: "any", Sanitizer: "address", HarnessName: "false"}
	_, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)

	r := NewPOVReproducer(tracker, registry, builds, time.Second, 3)
	require.NoError(t, r.RunOnce(ctx))

	status, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.False(t, status.Pending)
	require.True(t, status.DidCrash)
}

func TestPOVReproducerCancelledTaskMarksExpired(t *testing.T) {
	ctx := context.Background()
	_, registry, builds, tracker := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, registry.MarkCancelled(ctx, "T1"))

	req := msg.POVReproduceRequest{TaskID: "T1", PovPath: "any", Sanitizer: "address", HarnessName: "true"}
	_, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)

	r := NewPOVReproducer(tracker, registry, builds, time.Second, 3)
	require.NoError(t, r.RunOnce(ctx))

	_, ok, err := tracker.GetOnePending(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPOVReproducerNoBuildYetLeavesPending(t *testing.T) {
	ctx := context.Background()
	_, registry, builds, tracker := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))

	req := msg.POVReproduceRequest{TaskID: "T1", PovPath: "any", Sanitizer: "address", HarnessName: "true"}
	_, err := tracker.RequestStatus(ctx, req)
	require.NoError(t, err)

	r := NewPOVReproducer(tracker, registry, builds, time.Second, 3)
	require.NoError(t, r.RunOnce(ctx))

	_, ok, err := tracker.GetOnePending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScratchCleanerRemovesStoppedTaskDir(t *testing.T) {
	ctx := context.Background()
	_, registry, _, _ := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(-time.Hour).Unix()}))

	root := t.TempDir()
	taskDir := filepath.Join(root, "t1")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "seed"), []byte("data"), 0o644))

	cleaner := NewScratchCleaner(registry, nil, root)
	require.NoError(t, cleaner.RunOnce(ctx))

	_, err := os.Stat(taskDir)
	require.True(t, os.IsNotExist(err))
}

func TestScratchCleanerLeavesLiveTaskDir(t *testing.T) {
	ctx := context.Background()
	_, registry, _, _ := newBackgroundEnv(t)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))

	root := t.TempDir()
	taskDir := filepath.Join(root, "t1")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))

	cleaner := NewScratchCleaner(registry, nil, root)
	require.NoError(t, cleaner.RunOnce(ctx))

	_, err := os.Stat(taskDir)
	require.NoError(t, err)
}

func TestCorpusMergerSkipsCancelledTask(t *testing.T) {
	ctx := context.Background()
	s, registry, _, _ := newBackgroundEnv(t)
	hw := buildmap.NewHarnessWeights(s)
	require.NoError(t, registry.Set(ctx, msg.Task{TaskID: "T1", Deadline: time.Now().Add(time.Hour).Unix()}))
	require.NoError(t, registry.MarkCancelled(ctx, "T1"))
	require.NoError(t, hw.PushHarness(ctx, msg.WeightedHarness{TaskID: "T1", PackageName: "libpng", HarnessName: "H", Weight: 1}))

	merger := NewCorpusMerger(hw, s, registry, nil, t.TempDir(), "true", time.Second)
	require.NoError(t, merger.RunOnce(ctx))
}
