// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/app"
	applog "github.com/trailofbits/buttercup-go/pkg/log"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/submission"
)

// maxStacktraceBytes bounds how much of a crash's stacktrace survives
// into the unique-vulnerabilities queue and downstream submission
// bundles; a few KB either end is enough to dedup and triage from.
const maxStacktraceBytes = 16 * 1024

// coverageReportFile is the well-known name a COVERAGE build writes its
// per-function coverage records to, relative to the build output's task
// directory.
const coverageReportFile = "coverage.json"

// buildVariants and defaultSanitizers enumerate the build variants a
// ready task needs (spec §4.7 item 1: "one per needed build variant —
// fuzzer, coverage, tracer, etc."). The source's actual sanitizer matrix
// is a build-system concern out of this core's scope; this is a
// reasonable minimal matrix of every BuildType except PATCH, which a
// ready task never requests.
var buildVariants = []msg.BuildType{
	msg.BuildTypeFuzzer,
	msg.BuildTypeCoverage,
	msg.BuildTypeTracerNoDiff,
}

var defaultSanitizers = []string{"address", "undefined"}

// handleReadyTasks implements spec §4.7 item 1.
func (s *Scheduler) handleReadyTasks(ctx context.Context) (bool, error) {
	item, err := s.queues.ReadyTasks.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("ready tasks: %w", err)
	}
	if item == nil {
		return false, nil
	}
	ready, ok := item.Deserialized.(*msg.TaskReady)
	if !ok {
		return s.dropPoison(ctx, s.queues.ReadyTasks, item.ItemID,
			fmt.Errorf("ready tasks: unexpected payload type %T", item.Deserialized))
	}

	t, found, err := s.registry.Get(ctx, ready.TaskID)
	if err != nil {
		return false, fmt.Errorf("ready tasks: lookup %s: %w", ready.TaskID, err)
	}
	if !found || t.Cancelled {
		return true, s.queues.ReadyTasks.Ack(ctx, item.ItemID)
	}

	for _, bt := range buildVariants {
		for _, san := range defaultSanitizers {
			req := msg.BuildRequest{
				TaskID:      t.TaskID,
				BuildType:   bt,
				Sanitizer:   san,
				Engine:      "libfuzzer",
				PackageName: t.ProjectName,
			}
			if _, err := s.queues.Build.Push(ctx, msg.TypeBuildRequest, req); err != nil {
				return false, fmt.Errorf("ready tasks: push build request: %w", err)
			}
		}
	}
	return true, s.queues.ReadyTasks.Ack(ctx, item.ItemID)
}

// handleBuildOutput implements spec §4.7 item 2.
func (s *Scheduler) handleBuildOutput(ctx context.Context) (bool, error) {
	item, err := s.queues.BuildOutput.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("build output: %w", err)
	}
	if item == nil {
		return false, nil
	}
	out, ok := item.Deserialized.(*msg.BuildOutput)
	if !ok {
		return s.dropPoison(ctx, s.queues.BuildOutput, item.ItemID,
			fmt.Errorf("build output: unexpected payload type %T", item.Deserialized))
	}

	if err := s.buildMap.AddBuild(ctx, *out); err != nil {
		if errors.Is(err, msg.ErrBuildOutputContract) {
			// Programmer error, per spec §7: fatal, not retryable.
			panic(err)
		}
		return false, fmt.Errorf("build output: add build: %w", err)
	}

	if out.BuildType == msg.BuildTypeFuzzer {
		targets, werr := findFuzzTargets(out.TaskDir)
		if werr != nil {
			return false, fmt.Errorf("build output: enumerate fuzz targets under %s: %w", out.TaskDir, werr)
		}
		for _, harnessName := range targets {
			h := msg.WeightedHarness{
				TaskID:      out.TaskID,
				PackageName: out.PackageName,
				HarnessName: harnessName,
				Weight:      1,
			}
			if err := s.harnessWeights.PushHarness(ctx, h); err != nil {
				return false, fmt.Errorf("build output: push harness: %w", err)
			}
		}
	}
	if out.BuildType == msg.BuildTypeCoverage && s.coverage != nil {
		if werr := s.ingestCoverage(ctx, *out); werr != nil {
			return false, fmt.Errorf("build output: ingest coverage: %w", werr)
		}
	}
	return true, s.queues.BuildOutput.Ack(ctx, item.ItemID)
}

// ingestCoverage reads the per-function coverage a COVERAGE build wrote
// under its task directory and records it in the coverage map. A missing
// report file is not an error: some builds finish before any target runs.
func (s *Scheduler) ingestCoverage(ctx context.Context, out msg.BuildOutput) error {
	data, err := os.ReadFile(filepath.Join(out.TaskDir, coverageReportFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", coverageReportFile, err)
	}
	var records []msg.FunctionCoverage
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("unmarshal %s: %w", coverageReportFile, err)
	}
	for _, fc := range records {
		if err := s.coverage.PushCoverage(ctx, "", out.PackageName, out.TaskID, fc); err != nil {
			return fmt.Errorf("push coverage for %s: %w", fc.FunctionName, err)
		}
	}
	return nil
}

// findFuzzTargets walks root for executable regular files, treating each
// as a fuzz target binary named by its base filename.
func findFuzzTargets(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&0o111 != 0 {
			names = append(names, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return names, nil
}

// handleCancellations implements spec §4.7 item 3: drain one delete
// request, then sweep the registry once for deadline-expired live tasks.
func (s *Scheduler) handleCancellations(ctx context.Context) (bool, error) {
	did := false

	item, err := s.queues.DeleteTask.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("cancellations: %w", err)
	}
	if item != nil {
		del, ok := item.Deserialized.(*msg.TaskDelete)
		if !ok {
			return s.dropPoison(ctx, s.queues.DeleteTask, item.ItemID,
				fmt.Errorf("cancellations: unexpected payload type %T", item.Deserialized))
		}
		if err := s.registry.MarkCancelled(ctx, del.TaskID); err != nil {
			return false, fmt.Errorf("cancellations: mark cancelled %s: %w", del.TaskID, err)
		}
		if err := s.queues.DeleteTask.Ack(ctx, item.ItemID); err != nil {
			return false, fmt.Errorf("cancellations: ack: %w", err)
		}
		did = true
	}

	expiredAny, err := s.sweepExpiredTasks(ctx)
	if err != nil {
		return did, err
	}
	return did || expiredAny, nil
}

func (s *Scheduler) sweepExpiredTasks(ctx context.Context) (bool, error) {
	now := time.Now()
	all, err := s.registry.Iterate(ctx)
	if err != nil {
		return false, fmt.Errorf("sweep expired: %w", err)
	}
	did := false
	for _, v := range all {
		if v.Cancelled {
			continue
		}
		if time.Unix(v.Task.Deadline, 0).After(now) {
			continue
		}
		if err := s.registry.MarkCancelled(ctx, v.Task.TaskID); err != nil {
			return did, fmt.Errorf("sweep expired: mark %s: %w", v.Task.TaskID, err)
		}
		did = true
	}
	return did, nil
}

// handleCrashDedup implements spec §4.7 item 4.
func (s *Scheduler) handleCrashDedup(ctx context.Context) (bool, error) {
	item, err := s.queues.Crash.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("crash dedup: %w", err)
	}
	if item == nil {
		return false, nil
	}
	traced, ok := item.Deserialized.(*msg.TracedCrash)
	if !ok {
		return s.dropPoison(ctx, s.queues.Crash, item.ItemID,
			fmt.Errorf("crash dedup: unexpected payload type %T", item.Deserialized))
	}

	fp := dedupFingerprint(traced.Crash.Target.TaskID, traced.Crash.HarnessName, traced.TracerStacktrace)
	novel, err := s.crashDedup.Observe(ctx, traced.Crash.Target.TaskID, fp)
	if err != nil {
		return false, fmt.Errorf("crash dedup: observe: %w", err)
	}
	if novel {
		crash := traced.Crash
		crash.CrashToken = fp
		if len(crash.Stacktrace) > maxStacktraceBytes {
			crash.Stacktrace = string(applog.Truncate([]byte(crash.Stacktrace), maxStacktraceBytes/2, maxStacktraceBytes/2))
		}
		if _, err := s.queues.UniqueVulnerabilities.Push(ctx, msg.TypeCrash, crash); err != nil {
			return false, fmt.Errorf("crash dedup: push unique: %w", err)
		}
	}
	return true, s.queues.Crash.Ack(ctx, item.ItemID)
}

// handleVulnSubmission implements spec §4.7 item 5. "record the vuln_id"
// is modeled by writing a pov_status entry keyed on the crash's dedup
// token: it is the closest the submission tracker's contract (keyed on
// task+pov id) comes to identifying a not-yet-reproduced raw crash.
func (s *Scheduler) handleVulnSubmission(ctx context.Context) (bool, error) {
	item, err := s.queues.UniqueVulnerabilities.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("vuln submission: %w", err)
	}
	if item == nil {
		return false, nil
	}
	crash, ok := item.Deserialized.(*msg.Crash)
	if !ok {
		return s.dropPoison(ctx, s.queues.UniqueVulnerabilities, item.ItemID,
			fmt.Errorf("vuln submission: unexpected payload type %T", item.Deserialized))
	}

	stop, err := s.registry.ShouldStopProcessing(ctx, crash.Target.TaskID, nil, time.Now())
	if err != nil {
		return false, fmt.Errorf("vuln submission: should stop: %w", err)
	}
	if stop {
		return true, s.queues.UniqueVulnerabilities.Ack(ctx, item.ItemID)
	}

	candidate := msg.ConfirmedVulnerability{
		TaskID:     crash.Target.TaskID,
		CrashToken: crash.CrashToken,
		Target:     crash.Target,
		Stacktrace: crash.Stacktrace,
	}
	status, vulnID, err := s.crashSubmitter.SubmitCrash(ctx, candidate)
	if err != nil {
		// Transient transport error: leave unacked for retry via autoclaim.
		return false, nil
	}
	now := time.Now().Unix()
	if err := s.subTracker.UpdatePovStatus(ctx, crash.Target.TaskID, crash.CrashToken, status, now); err != nil {
		return false, fmt.Errorf("vuln submission: record status: %w", err)
	}
	if status == msg.ResultAccepted || status == msg.ResultPassed {
		candidate.VulnID = vulnID
		if _, err := s.queues.ConfirmedVulnerabilities.Push(ctx, msg.TypeConfirmedVulnerability, candidate); err != nil {
			return false, fmt.Errorf("vuln submission: push confirmed: %w", err)
		}
	}
	return true, s.queues.UniqueVulnerabilities.Ack(ctx, item.ItemID)
}

// handlePatchSubmission implements spec §4.7 item 6.
func (s *Scheduler) handlePatchSubmission(ctx context.Context) (bool, error) {
	item, err := s.queues.Patches.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("patch submission: %w", err)
	}
	if item == nil {
		return false, nil
	}
	patch, ok := item.Deserialized.(*msg.Patch)
	if !ok {
		return s.dropPoison(ctx, s.queues.Patches, item.ItemID,
			fmt.Errorf("patch submission: unexpected payload type %T", item.Deserialized))
	}

	stop, err := s.registry.ShouldStopProcessing(ctx, patch.TaskID, nil, time.Now())
	if err != nil {
		return false, fmt.Errorf("patch submission: should stop: %w", err)
	}
	if stop {
		return true, s.queues.Patches.Ack(ctx, item.ItemID)
	}

	if err := submission.ValidatePatchDiff(patch.Diff); err != nil {
		app.Errorf("patch submission: invalid diff for patch %s: %v", patch.PatchID, err)
		return true, s.queues.Patches.Ack(ctx, item.ItemID)
	}
	stats := submission.ComputeUnifiedDiffStats(patch.Diff)
	app.Infof("patch submission: patch %s for vuln %s: +%d -%d", patch.PatchID, patch.VulnID, stats.Insertions, stats.Deletions)

	status, _, err := s.patchSubmitter.SubmitPatch(ctx, *patch)
	if err != nil {
		return false, nil
	}
	now := time.Now().Unix()
	if err := s.subTracker.UpdatePatchStatus(ctx, patch.TaskID, patch.PatchID, status, now); err != nil {
		return false, fmt.Errorf("patch submission: record status: %w", err)
	}
	if status == msg.ResultAccepted || status == msg.ResultPassed {
		if err := s.subTracker.SetBundleMapping(ctx, patch.TaskID, patch.VulnID, patch.PatchID); err != nil {
			return false, fmt.Errorf("patch submission: set bundle mapping: %w", err)
		}
	}
	return true, s.queues.Patches.Ack(ctx, item.ItemID)
}

// handleBundleSubmission implements spec §4.7 item 7.
func (s *Scheduler) handleBundleSubmission(ctx context.Context) (bool, error) {
	return s.bundles.ProcessBundles(ctx, s.store)
}
