// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package buildmap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewRedisStore(rdb)
}

func TestAddBuildGetBuilds(t *testing.T) {
	ctx := context.Background()
	bm := NewBuildMap(newTestStore(t))
	b := msg.BuildOutput{
		TaskID: "T1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address",
		Engine: "libfuzzer", PackageName: "libpng", TaskDir: "/out",
	}
	require.NoError(t, bm.AddBuild(ctx, b))

	builds, err := bm.GetBuilds(ctx, "T1", msg.BuildTypeFuzzer, "")
	require.NoError(t, err)
	require.Equal(t, []msg.BuildOutput{b}, builds)
}

func TestAddBuildRejectsContractViolation(t *testing.T) {
	ctx := context.Background()
	bm := NewBuildMap(newTestStore(t))
	err := bm.AddBuild(ctx, msg.BuildOutput{TaskID: "T1", BuildType: msg.BuildTypeFuzzer, InternalPatchID: "p1"})
	require.ErrorIs(t, err, msg.ErrBuildOutputContract)
}

func TestGetBuildsToleratesMissingOutputEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bm := NewBuildMap(s)
	require.NoError(t, bm.AddBuild(ctx, msg.BuildOutput{TaskID: "T1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address"}))
	// Simulate a crash between the sadd and set writes by adding a
	// sanitizer with no corresponding output record.
	require.NoError(t, s.SAdd(ctx, sanitizerSetKey("T1", msg.BuildTypeFuzzer), "memory"))

	builds, err := bm.GetBuilds(ctx, "T1", msg.BuildTypeFuzzer, "")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.Equal(t, "address", builds[0].Sanitizer)
}

func TestGetBuildsPatchRequiresPatchID(t *testing.T) {
	ctx := context.Background()
	bm := NewBuildMap(newTestStore(t))
	_, err := bm.GetBuilds(ctx, "T1", msg.BuildTypePatch, "")
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestHarnessWeightsPushList(t *testing.T) {
	ctx := context.Background()
	hw := NewHarnessWeights(newTestStore(t))
	h := msg.WeightedHarness{TaskID: "T1", PackageName: "libpng", HarnessName: "H1", Weight: 1}
	require.NoError(t, hw.PushHarness(ctx, h))

	list, err := hw.ListHarnesses(ctx)
	require.NoError(t, err)
	require.Equal(t, []msg.WeightedHarness{h}, list)
}

func TestCoverageMapPushListIdempotent(t *testing.T) {
	ctx := context.Background()
	cm := NewCoverageMap(newTestStore(t))
	fc := msg.FunctionCoverage{FunctionName: "foo", FunctionPaths: []string{"b.c", "a.c", "a.c"}, TotalLines: 10, CoveredLines: 5}
	require.NoError(t, cm.PushCoverage(ctx, "H1", "libpng", "T1", fc))
	require.NoError(t, cm.PushCoverage(ctx, "H1", "libpng", "T1", fc))

	list, err := cm.ListCoverage(ctx, "H1", "libpng", "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"a.c", "b.c"}, list[0].FunctionPaths)
}

func TestCoverageMapPushDedupsNonAdjacentDuplicates(t *testing.T) {
	ctx := context.Background()
	cm := NewCoverageMap(newTestStore(t))
	fc := msg.FunctionCoverage{FunctionName: "foo", FunctionPaths: []string{"b.c", "a.c", "c.c", "a.c"}, TotalLines: 10, CoveredLines: 5}
	require.NoError(t, cm.PushCoverage(ctx, "H1", "libpng", "T1", fc))

	list, err := cm.ListCoverage(ctx, "H1", "libpng", "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"a.c", "b.c", "c.c"}, list[0].FunctionPaths)
}
