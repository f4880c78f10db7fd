// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package submission

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

type fakeSubmitter struct {
	result msg.SubmissionResult
	err    error
	calls  []Bundle
}

func (f *fakeSubmitter) SubmitBundle(ctx context.Context, b Bundle) (msg.SubmissionResult, error) {
	f.calls = append(f.calls, b)
	return f.result, f.err
}

func alwaysLive(ctx context.Context, taskID string) (bool, error) { return false, nil }

func TestBundleDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tracker := NewTracker(s, nil)

	require.NoError(t, tracker.UpdatePatchStatus(ctx, "T", "P", msg.ResultPassed, 1))
	require.NoError(t, tracker.SetBundleMapping(ctx, "T", "V", "P"))

	submitter := &fakeSubmitter{result: msg.ResultAccepted}
	bundles := NewBundles(tracker, alwaysLive, submitter)

	processed, err := bundles.ProcessBundles(ctx, s)
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, submitter.calls, 1)

	ready, err := bundles.GetReadyVulnerabilityPatchBundles(ctx, s)
	require.NoError(t, err)
	require.Empty(t, ready, "marker must prevent a second submission from being ready")

	processed, err = bundles.ProcessBundles(ctx, s)
	require.NoError(t, err)
	require.False(t, processed)
	require.Len(t, submitter.calls, 1, "second call must not resubmit")
}

func TestProcessBundlesSkipsStoppedTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tracker := NewTracker(s, nil)
	require.NoError(t, tracker.UpdatePatchStatus(ctx, "T", "P", msg.ResultPassed, 1))
	require.NoError(t, tracker.SetBundleMapping(ctx, "T", "V", "P"))

	submitter := &fakeSubmitter{result: msg.ResultAccepted}
	stopped := func(ctx context.Context, taskID string) (bool, error) { return true, nil }
	bundles := NewBundles(tracker, stopped, submitter)

	processed, err := bundles.ProcessBundles(ctx, s)
	require.NoError(t, err)
	require.False(t, processed)
	require.Empty(t, submitter.calls)
}

func TestProcessBundlesDoesNotMarkOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tracker := NewTracker(s, nil)
	require.NoError(t, tracker.UpdatePatchStatus(ctx, "T", "P", msg.ResultPassed, 1))
	require.NoError(t, tracker.SetBundleMapping(ctx, "T", "V", "P"))

	submitter := &fakeSubmitter{err: assertErr}
	bundles := NewBundles(tracker, alwaysLive, submitter)

	_, err := bundles.ProcessBundles(ctx, s)
	require.NoError(t, err)

	submitted, err := tracker.IsBundleSubmitted(ctx, "T", "V", "P")
	require.NoError(t, err)
	require.False(t, submitted)
}

func TestProcessBundlesContinuesPastErrorAndReportsThrottled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tracker := NewTracker(s, nil)
	require.NoError(t, tracker.UpdatePatchStatus(ctx, "T1", "P1", msg.ResultPassed, 1))
	require.NoError(t, tracker.SetBundleMapping(ctx, "T1", "V1", "P1"))
	require.NoError(t, tracker.UpdatePatchStatus(ctx, "T2", "P2", msg.ResultPassed, 1))
	require.NoError(t, tracker.SetBundleMapping(ctx, "T2", "V2", "P2"))

	submitter := &erroringSubmitter{failTaskID: "T1", result: msg.ResultAccepted, err: assertErr}
	bundles := NewBundles(tracker, alwaysLive, submitter)

	processed, err := bundles.ProcessBundles(ctx, s)
	require.NoError(t, err)
	require.False(t, processed, "a same-call failure must force processed=false even after an earlier success")
	require.Len(t, submitter.calls, 2, "a submit error on one bundle must not stop the loop over the rest")

	submittedT1, err := tracker.IsBundleSubmitted(ctx, "T1", "V1", "P1")
	require.NoError(t, err)
	require.False(t, submittedT1)

	submittedT2, err := tracker.IsBundleSubmitted(ctx, "T2", "V2", "P2")
	require.NoError(t, err)
	require.True(t, submittedT2, "the bundle that submitted cleanly must still be marked")
}

type erroringSubmitter struct {
	failTaskID string
	result     msg.SubmissionResult
	err        error
	calls      []Bundle
}

func (f *erroringSubmitter) SubmitBundle(ctx context.Context, b Bundle) (msg.SubmissionResult, error) {
	f.calls = append(f.calls, b)
	if b.TaskID == f.failTaskID {
		return "", f.err
	}
	return f.result, nil
}

var assertErr = fmtErrorf("transient")

func fmtErrorf(s string) error { return &simpleErr{s} }

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

func TestValidatePatchDiffRejectsGarbage(t *testing.T) {
	require.Error(t, ValidatePatchDiff("not a diff at all"))
}

func TestValidatePatchDiffAcceptsUnifiedDiff(t *testing.T) {
	diff := `diff --git a/foo.c b/foo.c
index 111..222 100644
--- a/foo.c
+++ b/foo.c
@@ -1,1 +1,1 @@
-old line
+new line
`
	require.NoError(t, ValidatePatchDiff(diff))
}

func TestComputeUnifiedDiffStatsCountsHunkBodyOnly(t *testing.T) {
	diff := `diff --git a/foo.c b/foo.c
index 111..222 100644
--- a/foo.c
+++ b/foo.c
@@ -1,2 +1,2 @@
-old line one
-old line two
+new line one
`
	stats := ComputeUnifiedDiffStats(diff)
	require.Positive(t, stats.Deletions)
	require.Positive(t, stats.Insertions)
}
