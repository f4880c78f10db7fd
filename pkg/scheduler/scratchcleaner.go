// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/blob"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

// ScratchCleaner is the ≈60s background task (supplemented feature, spec
// §4 SUPPLEMENTED FEATURES) that archives and removes the scratch
// directory of any task that should stop processing (cancelled or past
// its deadline), so disk use is bounded by live tasks only.
type ScratchCleaner struct {
	registry   *task.Registry
	storage    blob.Storage // may be nil: archival is best-effort
	scratchDir string
}

// NewScratchCleaner builds a ScratchCleaner rooted at scratchDir (one
// subdirectory per lower-cased task id).
func NewScratchCleaner(registry *task.Registry, storage blob.Storage, scratchDir string) *ScratchCleaner {
	return &ScratchCleaner{registry: registry, storage: storage, scratchDir: scratchDir}
}

func (c *ScratchCleaner) Name() string            { return "scratch_cleaner" }
func (c *ScratchCleaner) Interval() time.Duration { return 60 * time.Second }

func (c *ScratchCleaner) RunOnce(ctx context.Context) error {
	all, err := c.registry.Iterate(ctx)
	if err != nil {
		return fmt.Errorf("scratch cleaner: iterate: %w", err)
	}
	now := time.Now()
	for _, v := range all {
		stop, err := c.registry.ShouldStopProcessing(ctx, v.Task.TaskID, nil, now)
		if err != nil {
			return fmt.Errorf("scratch cleaner: should stop %s: %w", v.Task.TaskID, err)
		}
		if !stop {
			continue
		}
		if err := c.cleanOne(ctx, v.Task.TaskID); err != nil {
			app.Errorf("scratch cleaner: %s: %v", v.Task.TaskID, err)
		}
	}
	return nil
}

func (c *ScratchCleaner) cleanOne(ctx context.Context, taskID string) error {
	dir := filepath.Join(c.scratchDir, strings.ToLower(taskID))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if c.storage != nil {
		tarball, err := tarDir(dir)
		if err != nil {
			app.Errorf("scratch cleaner: tar %s: %v", taskID, err)
		} else {
			objectPath := fmt.Sprintf("scratch/%s.tar.xz", strings.ToLower(taskID))
			if err := c.storage.WriteCompressed(ctx, objectPath, tarball); err != nil {
				app.Errorf("scratch cleaner: archive %s: %v", taskID, err)
			}
		}
	}
	return os.RemoveAll(dir)
}
