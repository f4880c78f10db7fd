// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler implements the orchestrator's cooperative multiplex
// loop (spec component C7): seven non-blocking sub-serves sharing one
// goroutine, plus a small set of background tasks that run on their own
// cadence (pov reproduction, corpus merge, scratch cleanup).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/buildmap"
	"github.com/trailofbits/buttercup-go/pkg/health"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/queue"
	"github.com/trailofbits/buttercup-go/pkg/store"
	"github.com/trailofbits/buttercup-go/pkg/submission"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

// CrashSubmitter is the narrow slice of the Competition API client the
// vulnerability-submission sub-serve needs.
type CrashSubmitter interface {
	SubmitCrash(ctx context.Context, vuln msg.ConfirmedVulnerability) (msg.SubmissionResult, string, error)
}

// PatchSubmitter is the narrow slice of the Competition API client the
// patch-submission sub-serve needs.
type PatchSubmitter interface {
	SubmitPatch(ctx context.Context, patch msg.Patch) (msg.SubmissionResult, string, error)
}

// Queues bundles every stream the scheduler reads from or writes to.
type Queues struct {
	ReadyTasks               *queue.Queue
	Build                    *queue.Queue
	BuildOutput              *queue.Queue
	Crash                    *queue.Queue
	UniqueVulnerabilities    *queue.Queue
	ConfirmedVulnerabilities *queue.Queue
	Patches                  *queue.Queue
	DeleteTask               *queue.Queue
}

// Scheduler is the single-threaded cooperative loop over seven
// sub-serves (spec §4.7), plus the hooks background tasks need to share
// its dependencies.
type Scheduler struct {
	store          store.Store
	queues         Queues
	registry       *task.Registry
	buildMap       *buildmap.BuildMap
	harnessWeights *buildmap.HarnessWeights
	subTracker     *submission.Tracker
	bundles        *submission.Bundles
	crashDedup     *CrashDedup
	crashSubmitter CrashSubmitter
	patchSubmitter PatchSubmitter
	health         *health.Tracker
	coverage       *buildmap.CoverageMap
}

// WithCoverageMap attaches a coverage recorder; handleBuildOutput ingests
// COVERAGE build outputs into it when set. Left nil, coverage reports are
// simply skipped.
func (s *Scheduler) WithCoverageMap(c *buildmap.CoverageMap) *Scheduler {
	s.coverage = c
	return s
}

// New builds a Scheduler. health may be nil (no status tracking).
func New(
	s store.Store,
	queues Queues,
	registry *task.Registry,
	buildMap *buildmap.BuildMap,
	harnessWeights *buildmap.HarnessWeights,
	subTracker *submission.Tracker,
	bundles *submission.Bundles,
	crashSubmitter CrashSubmitter,
	patchSubmitter PatchSubmitter,
	healthTracker *health.Tracker,
) *Scheduler {
	return &Scheduler{
		store:          s,
		queues:         queues,
		registry:       registry,
		buildMap:       buildMap,
		harnessWeights: harnessWeights,
		subTracker:     subTracker,
		bundles:        bundles,
		crashDedup:     NewCrashDedup(s),
		crashSubmitter: crashSubmitter,
		patchSubmitter: patchSubmitter,
		health:         healthTracker,
	}
}

// subServeNames, in tick order. Exported as constants so health snapshots
// and tests can refer to the same labels the scheduler records under.
const (
	SubServeReadyTasks       = "ready_tasks"
	SubServeBuildOutput      = "build_output"
	SubServeCancellations    = "cancellations"
	SubServeCrashDedup       = "crash_dedup"
	SubServeVulnSubmission   = "vuln_submission"
	SubServePatchSubmission  = "patch_submission"
	SubServeBundleSubmission = "bundle_submission"
)

// poisonThreshold is the delivery-count ceiling past which a sub-serve
// ack-drops a message it cannot process, per spec §7.
const poisonThreshold = 5

// Loop runs Tick forever, sleeping sleep between ticks that did no work,
// until ctx is cancelled.
func (s *Scheduler) Loop(ctx context.Context, sleep time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.Tick(ctx) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
}

// Tick runs every sub-serve once, in spec §4.7's order, and reports
// whether any of them did work.
func (s *Scheduler) Tick(ctx context.Context) bool {
	did := false
	if s.runSubServe(ctx, SubServeReadyTasks, s.handleReadyTasks) {
		did = true
	}
	if s.runSubServe(ctx, SubServeBuildOutput, s.handleBuildOutput) {
		did = true
	}
	if s.runSubServe(ctx, SubServeCancellations, s.handleCancellations) {
		did = true
	}
	if s.runSubServe(ctx, SubServeCrashDedup, s.handleCrashDedup) {
		did = true
	}
	if s.runSubServe(ctx, SubServeVulnSubmission, s.handleVulnSubmission) {
		did = true
	}
	if s.runSubServe(ctx, SubServePatchSubmission, s.handlePatchSubmission) {
		did = true
	}
	if s.runSubServe(ctx, SubServeBundleSubmission, s.handleBundleSubmission) {
		did = true
	}
	return did
}

// runSubServe times fn, logs and records a failure without propagating
// it — spec §7's "local try/except at every sub-serve boundary so one
// poisonous message never halts the scheduler" — and records health.
func (s *Scheduler) runSubServe(ctx context.Context, name string, fn func(context.Context) (bool, error)) bool {
	start := time.Now()
	didWork, err := fn(ctx)
	if err != nil {
		app.Errorf("scheduler: %s: %v", name, err)
		if s.health != nil {
			s.health.RecordError(name, start.Unix())
		}
		return false
	}
	if s.health != nil {
		s.health.RecordRun(name, start.Unix(), time.Since(start).Seconds())
	}
	return didWork
}

// dropPoison implements spec §7's redelivery cap: once an item has been
// delivered more than poisonThreshold times, ack and drop it rather than
// retry forever.
func (s *Scheduler) dropPoison(ctx context.Context, q *queue.Queue, itemID string, cause error) (bool, error) {
	n, err := q.TimesDelivered(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("poison check %s: %w", itemID, err)
	}
	if n > poisonThreshold {
		app.Errorf("scheduler: dropping poison item %s after %d deliveries: %v", itemID, n, cause)
		if err := q.Ack(ctx, itemID); err != nil {
			return false, fmt.Errorf("poison ack %s: %w", itemID, err)
		}
		return true, nil
	}
	return false, cause
}
