// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/blob"
	"github.com/trailofbits/buttercup-go/pkg/buildmap"
	"github.com/trailofbits/buttercup-go/pkg/ckey"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/runner"
	"github.com/trailofbits/buttercup-go/pkg/store"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

// CorpusMerger is the ≈10s background task that merges each harness's
// corpus directory against a libFuzzer-style merge binary, every harness
// each tick, each under its own (task, harness) lock (spec §5: "A
// RedisLock abstraction... guards corpus merges").
type CorpusMerger struct {
	harnessWeights *buildmap.HarnessWeights
	store          store.Store
	registry       *task.Registry
	storage        blob.Storage // may be nil: archival is best-effort
	corpusRoot     string
	mergeBinary    string
	timeout        time.Duration
}

// NewCorpusMerger builds a CorpusMerger. corpusRoot is the local
// directory under which each (task, harness) keeps its corpus;
// mergeBinary is the fuzz target invoked with "-merge=1" (the libFuzzer
// convention).
func NewCorpusMerger(hw *buildmap.HarnessWeights, s store.Store, registry *task.Registry, storage blob.Storage, corpusRoot, mergeBinary string, timeout time.Duration) *CorpusMerger {
	return &CorpusMerger{
		harnessWeights: hw,
		store:          s,
		registry:       registry,
		storage:        storage,
		corpusRoot:     corpusRoot,
		mergeBinary:    mergeBinary,
		timeout:        timeout,
	}
}

func (c *CorpusMerger) Name() string            { return "corpus_merger" }
func (c *CorpusMerger) Interval() time.Duration { return 10 * time.Second }

// RunOnce attempts a merge for every known harness; per-harness failures
// are logged, not propagated, so one stuck merge never blocks the rest.
func (c *CorpusMerger) RunOnce(ctx context.Context) error {
	harnesses, err := c.harnessWeights.ListHarnesses(ctx)
	if err != nil {
		return fmt.Errorf("corpus merger: list harnesses: %w", err)
	}
	for _, h := range harnesses {
		stop, err := c.registry.ShouldStopProcessing(ctx, h.TaskID, nil, time.Now())
		if err != nil {
			return fmt.Errorf("corpus merger: should stop %s: %w", h.TaskID, err)
		}
		if stop {
			continue
		}
		if err := c.mergeOne(ctx, h); err != nil {
			app.Errorf("corpus merger: %s/%s: %v", h.TaskID, h.HarnessName, err)
		}
	}
	return nil
}

func (c *CorpusMerger) mergeOne(ctx context.Context, h msg.WeightedHarness) error {
	lockKey := ckey.Encode("corpus_merge_lock", h.TaskID, h.HarnessName)
	lock := store.NewLock(c.store, lockKey, store.MergeLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		// Another worker holds it; abort without error, per spec §9.
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, store.ErrLockNotHeld) {
			app.Errorf("corpus merger: release lock %s/%s: %v", h.TaskID, h.HarnessName, err)
		}
	}()

	corpusDir := filepath.Join(c.corpusRoot, h.TaskID, h.HarnessName)
	if _, err := os.Stat(corpusDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	result, err := runner.Run(ctx, c.mergeBinary, []string{"-merge=1", corpusDir}, corpusDir, c.timeout)
	if err != nil {
		return fmt.Errorf("run merge: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("merge exited %d: %s", result.ReturnCode, result.Stderr)
	}

	if c.storage == nil {
		return nil
	}
	tarball, err := tarDir(corpusDir)
	if err != nil {
		return fmt.Errorf("tar corpus: %w", err)
	}
	objectPath := fmt.Sprintf("corpus/%s/%s.tar.xz", h.TaskID, h.HarnessName)
	if err := c.storage.WriteCompressed(ctx, objectPath, tarball); err != nil {
		return fmt.Errorf("archive corpus: %w", err)
	}
	return nil
}
