// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package buildmap implements the build artifact index, harness weight
// map, and coverage map (spec component C4).
package buildmap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-go/pkg/ckey"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// BuildMap indexes BuildOutput records: a sanitizer set per (task,
// build_type), and a serialized record per (task, build_type, sanitizer,
// patch_id).
type BuildMap struct {
	store store.Store
}

// NewBuildMap builds a BuildMap over s.
func NewBuildMap(s store.Store) *BuildMap {
	return &BuildMap{store: s}
}

func sanitizerSetKey(taskID string, bt msg.BuildType) string {
	return ckey.Encode("build_sanitizers", taskID, string(bt))
}

func outputKey(taskID string, bt msg.BuildType, sanitizer, patchID string) string {
	return ckey.Encode("build_output", taskID, string(bt), sanitizer, patchID)
}

// AddBuild pipelines sadd(sanitizer_set, b.Sanitizer) with
// set(output_key, serialize(b)), per spec §4.4. For PATCH builds,
// InternalPatchID must be non-empty: a violation is a contract error
// (fatal, not retryable).
func (m *BuildMap) AddBuild(ctx context.Context, b msg.BuildOutput) error {
	if err := b.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("add build: marshal: %w", err)
	}
	sanKey := sanitizerSetKey(b.TaskID, b.BuildType)
	outKey := outputKey(b.TaskID, b.BuildType, b.Sanitizer, b.InternalPatchID)
	err = m.store.Pipeline(ctx, func(p store.Pipeliner) error {
		p.SAdd(sanKey, b.Sanitizer)
		p.Set(outKey, string(raw), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add build %s/%s: %w", b.TaskID, b.BuildType, err)
	}
	return nil
}

// GetBuilds enumerates the sanitizer set for (task, buildType[, patchID])
// then reads each output record, silently skipping any sanitizer whose
// output entry is missing (tolerating a crash between AddBuild's two
// pipelined writes). For PATCH, patchID must be non-empty.
func (m *BuildMap) GetBuilds(ctx context.Context, taskID string, buildType msg.BuildType, patchID string) ([]msg.BuildOutput, error) {
	if buildType == msg.BuildTypePatch && patchID == "" {
		return nil, fmt.Errorf("%w: GetBuilds(PATCH) requires a non-empty patch id", ErrContractViolation)
	}
	sanitizers, err := m.store.SMembers(ctx, sanitizerSetKey(taskID, buildType))
	if err != nil {
		return nil, fmt.Errorf("get builds %s/%s: %w", taskID, buildType, err)
	}
	var builds []msg.BuildOutput
	for _, san := range sanitizers {
		raw, err := m.store.Get(ctx, outputKey(taskID, buildType, san, patchID))
		if err == store.ErrNilBulk {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get builds %s/%s/%s: %w", taskID, buildType, san, err)
		}
		var b msg.BuildOutput
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("get builds %s/%s/%s: unmarshal: %w", taskID, buildType, san, err)
		}
		builds = append(builds, b)
	}
	return builds, nil
}

// ErrContractViolation marks a programmer error per spec §7: raise, do
// not retry.
var ErrContractViolation = fmt.Errorf("buildmap: contract violation")
