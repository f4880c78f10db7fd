// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/health"
)

// BackgroundTask is one of the scheduler's own-cadence workers (spec
// §4.7: "Background tasks run at their own cadences... Each owns its own
// error counter"). Modeled on the source's per-task base class referenced
// but not itself retrieved; this is the minimal Go shape that gives each
// task its own loop, interval, and health accounting.
type BackgroundTask interface {
	Name() string
	Interval() time.Duration
	RunOnce(ctx context.Context) error
}

// RunBackgroundTasks runs every task on its own goroutine via errgroup,
// matching syz-cluster/email-reporter's Handler.Loop pattern: one
// errgroup, one goroutine per independent loop, first error (if any
// loop chooses to return one, which these never do — they self-heal via
// their own error counters) cancels the group.
func RunBackgroundTasks(ctx context.Context, tracker *health.Tracker, tasks ...BackgroundTask) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			runLoop(gctx, tracker, t)
			return nil
		})
	}
	return g.Wait()
}

func runLoop(ctx context.Context, tracker *health.Tracker, t BackgroundTask) {
	for {
		start := time.Now()
		if err := t.RunOnce(ctx); err != nil {
			app.Errorf("background task %s: %v", t.Name(), err)
			if tracker != nil {
				tracker.RecordError(t.Name(), start.Unix())
			}
		} else if tracker != nil {
			tracker.RecordRun(t.Name(), start.Unix(), time.Since(start).Seconds())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.Interval()):
		}
	}
}

// tarDir archives root into an in-memory tarball, shared by the corpus
// merger and scratch cleaner before handing the result to pkg/blob for
// compressed upload.
func tarDir(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
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
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		data, err := os.Open(path)
		if err != nil {
			return err
		}
		defer data.Close()
		_, err = io.Copy(tw, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
