// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package submission

import (
	"context"
	"fmt"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// terminalResults is the filtering set spec §4.6 defines for "already
// resolved, no need to keep scanning for a pending submission".
var terminalResults = map[msg.SubmissionResult]bool{
	msg.ResultPassed:           true,
	msg.ResultFailed:           true,
	msg.ResultDeadlineExceeded: true,
	msg.ResultErrored:          true,
}

// Bundle is a ready-to-submit vulnerability/patch pairing.
type Bundle struct {
	TaskID  string
	VulnID  string
	PatchID string
}

// ShouldStopFunc adapts any task-registry-like dependency into the single
// call Bundles needs, so this package doesn't import pkg/task directly
// (avoiding an import cycle risk and keeping the dependency narrow).
type ShouldStopFunc func(ctx context.Context, taskID string) (bool, error)

// Submitter is the externalized Competition API bundle-submission call
// (spec §6: "submit bundle; returns {status, id}").
type Submitter interface {
	SubmitBundle(ctx context.Context, b Bundle) (msg.SubmissionResult, error)
}

// Bundles implements get_ready_vulnerability_patch_bundles and
// process_bundles (spec §4.6).
type Bundles struct {
	tracker    *Tracker
	shouldStop ShouldStopFunc
	submitter  Submitter
}

// NewBundles builds a Bundles over tracker, using shouldStop to gate
// cancelled/expired tasks and submitter to perform the external call.
func NewBundles(tracker *Tracker, shouldStop ShouldStopFunc, submitter Submitter) *Bundles {
	return &Bundles{tracker: tracker, shouldStop: shouldStop, submitter: submitter}
}

// GetReadyVulnerabilityPatchBundles scans patch status keys; for each
// PASSED patch, looks up the vuln mapped to it and skips any whose
// submission marker already exists.
func (b *Bundles) GetReadyVulnerabilityPatchBundles(ctx context.Context, s store.Store) ([]Bundle, error) {
	keys, err := s.Keys(ctx, "patch_status:*")
	if err != nil {
		return nil, fmt.Errorf("get ready bundles: scan patch status: %w", err)
	}
	var ready []Bundle
	for _, key := range keys {
		task, patch, ok := splitKey3(key, "patch_status:")
		if !ok {
			continue
		}
		patchRec, found, err := b.tracker.PatchStatus(ctx, task, patch)
		if err != nil {
			return nil, err
		}
		if !found || patchRec.Status != msg.ResultPassed {
			continue
		}
		vuln, found, err := findVulnForPatch(ctx, s, task, patch)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		submitted, err := b.tracker.IsBundleSubmitted(ctx, task, vuln, patch)
		if err != nil {
			return nil, err
		}
		if submitted {
			continue
		}
		ready = append(ready, Bundle{TaskID: task, VulnID: vuln, PatchID: patch})
	}
	return ready, nil
}

// findVulnForPatch enumerates bundle_mapping entries for task, returning
// the vuln whose mapped patch equals patch.
func findVulnForPatch(ctx context.Context, s store.Store, task, patch string) (string, bool, error) {
	keys, err := s.Keys(ctx, fmt.Sprintf("bundle_mapping:%s:*", task))
	if err != nil {
		return "", false, fmt.Errorf("find vuln for patch: %w", err)
	}
	for _, key := range keys {
		_, vuln, ok := splitKey3(key, "bundle_mapping:")
		if !ok {
			continue
		}
		v, err := s.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if v == patch {
			return vuln, true, nil
		}
	}
	return "", false, nil
}

// ProcessBundles drains every ready bundle: skips tasks that should stop
// processing, submits the rest, and marks submitted only on ACCEPTED or
// PASSED. On any submission error it leaves the bundle unmarked and
// reports processed=false so the scheduler throttles, per spec §4.6.
func (b *Bundles) ProcessBundles(ctx context.Context, s store.Store) (processed bool, err error) {
	ready, err := b.GetReadyVulnerabilityPatchBundles(ctx, s)
	if err != nil {
		return false, err
	}
	anyError := false
	for _, bundle := range ready {
		stop, err := b.shouldStop(ctx, bundle.TaskID)
		if err != nil {
			return processed, err
		}
		if stop {
			continue
		}
		result, err := b.submitter.SubmitBundle(ctx, bundle)
		if err != nil {
			// Per decided Open Question §5: do not ack/mark on a
			// transient transport error, and keep draining the rest
			// of ready instead of abandoning them for this tick.
			anyError = true
			continue
		}
		processed = true
		if result == msg.ResultAccepted || result == msg.ResultPassed {
			if err := b.tracker.MarkBundleSubmitted(ctx, bundle.TaskID, bundle.VulnID, bundle.PatchID); err != nil {
				return processed, err
			}
		}
	}
	if anyError {
		// A same-call success must not mask a same-call failure: the
		// scheduler still needs to throttle.
		processed = false
	}
	return processed, nil
}
