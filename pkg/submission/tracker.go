// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package submission implements the submission tracker and bundle
// producer (spec component C6): pairing confirmed vulnerabilities with
// verified patches into bundles, preventing duplicate submissions.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// StatusRecord is the value stored at pov_status:{task}:{pov} and
// patch_status:{task}:{patch}.
type StatusRecord struct {
	Status      msg.SubmissionResult `json:"status"`
	LastUpdated int64                `json:"last_updated"`
}

// AuditSink receives a copy of every status transition for durable,
// out-of-band history (supplemented feature, see pkg/audit). Nil is a
// valid Tracker field; transitions simply aren't recorded anywhere but
// Redis.
type AuditSink interface {
	RecordStatus(ctx context.Context, kind, task, id string, rec StatusRecord) error
}

// Tracker stores pov/patch status hashes and the bundle mapping and
// submission markers, per spec §4.6.
type Tracker struct {
	store store.Store
	audit AuditSink
}

// NewTracker builds a Tracker over s. audit may be nil.
func NewTracker(s store.Store, audit AuditSink) *Tracker {
	return &Tracker{store: s, audit: audit}
}

func povStatusKey(task, pov string) string     { return fmt.Sprintf("pov_status:%s:%s", task, pov) }
func patchStatusKey(task, patch string) string { return fmt.Sprintf("patch_status:%s:%s", task, patch) }
func bundleMappingKey(task, vuln string) string {
	return fmt.Sprintf("bundle_mapping:%s:%s", task, vuln)
}
func bundleSubmissionKey(task, vuln, patch string) string {
	return fmt.Sprintf("bundle_submission:%s:%s:%s", task, vuln, patch)
}

func (t *Tracker) writeStatus(ctx context.Context, kind, key, task, id string, status msg.SubmissionResult, now int64) error {
	rec := StatusRecord{Status: status, LastUpdated: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s status: marshal: %w", kind, err)
	}
	if err := t.store.Set(ctx, key, string(raw), 0); err != nil {
		return fmt.Errorf("%s status %s/%s: %w", kind, task, id, err)
	}
	if t.audit != nil {
		if err := t.audit.RecordStatus(ctx, kind, task, id, rec); err != nil {
			return fmt.Errorf("%s status audit %s/%s: %w", kind, task, id, err)
		}
	}
	return nil
}

// UpdatePovStatus sets the crash/pov submission status for (task, pov).
func (t *Tracker) UpdatePovStatus(ctx context.Context, task, pov string, status msg.SubmissionResult, now int64) error {
	return t.writeStatus(ctx, "pov", povStatusKey(task, pov), task, pov, status, now)
}

// UpdatePatchStatus sets the patch submission status for (task, patch).
func (t *Tracker) UpdatePatchStatus(ctx context.Context, task, patch string, status msg.SubmissionResult, now int64) error {
	return t.writeStatus(ctx, "patch", patchStatusKey(task, patch), task, patch, status, now)
}

func (t *Tracker) readStatus(ctx context.Context, key string) (StatusRecord, bool, error) {
	raw, err := t.store.Get(ctx, key)
	if err == store.ErrNilBulk {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, err
	}
	var rec StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return StatusRecord{}, false, fmt.Errorf("unmarshal status %s: %w", key, err)
	}
	return rec, true, nil
}

// PovStatus returns the current crash/pov submission status.
func (t *Tracker) PovStatus(ctx context.Context, task, pov string) (StatusRecord, bool, error) {
	return t.readStatus(ctx, povStatusKey(task, pov))
}

// PatchStatus returns the current patch submission status.
func (t *Tracker) PatchStatus(ctx context.Context, task, patch string) (StatusRecord, bool, error) {
	return t.readStatus(ctx, patchStatusKey(task, patch))
}

// SetBundleMapping records that patch is the candidate fix for vuln within
// task.
func (t *Tracker) SetBundleMapping(ctx context.Context, task, vuln, patch string) error {
	if err := t.store.Set(ctx, bundleMappingKey(task, vuln), patch, 0); err != nil {
		return fmt.Errorf("set bundle mapping %s/%s: %w", task, vuln, err)
	}
	return nil
}

// BundleMapping returns the patch id mapped to (task, vuln), if any.
func (t *Tracker) BundleMapping(ctx context.Context, task, vuln string) (string, bool, error) {
	v, err := t.store.Get(ctx, bundleMappingKey(task, vuln))
	if err == store.ErrNilBulk {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// MarkBundleSubmitted records the (task, vuln, patch) submission marker.
// A bundle is marked submitted at most once, per spec §3's global
// invariant; callers must check IsBundleSubmitted first to avoid a
// duplicate external submission (the marker write itself is idempotent,
// it's the side effect before it that must not repeat).
func (t *Tracker) MarkBundleSubmitted(ctx context.Context, task, vuln, patch string) error {
	if err := t.store.Set(ctx, bundleSubmissionKey(task, vuln, patch), "1", 0); err != nil {
		return fmt.Errorf("mark bundle submitted %s/%s/%s: %w", task, vuln, patch, err)
	}
	return nil
}

// IsBundleSubmitted reports whether the submission marker exists.
func (t *Tracker) IsBundleSubmitted(ctx context.Context, task, vuln, patch string) (bool, error) {
	ok, err := t.store.Exists(ctx, bundleSubmissionKey(task, vuln, patch))
	if err != nil {
		return false, fmt.Errorf("is bundle submitted %s/%s/%s: %w", task, vuln, patch, err)
	}
	return ok, nil
}

// splitKey3 splits a "prefix:a:b" key into (a, b), assuming neither
// component itself contains a colon (true of every task/vuln/patch id
// this system generates: UUIDs and lower-cased task ids).
func splitKey3(key, prefix string) (a, b string, ok bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
