// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/buildmap"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/povstatus"
	"github.com/trailofbits/buttercup-go/pkg/runner"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

// POVReproducer is the ≈100ms background task (spec §4.7) that drains one
// pending PoV reproduction request per tick, runs it against the
// matching build, and resolves the request's terminal state.
type POVReproducer struct {
	tracker    *povstatus.Tracker
	registry   *task.Registry
	buildMap   *buildmap.BuildMap
	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	retries map[string]int
}

// NewPOVReproducer builds a POVReproducer. timeout bounds each reproduce
// subprocess call; maxRetries caps how many consecutive "did not run"
// outcomes a request tolerates before it is marked expired (spec §5).
func NewPOVReproducer(tracker *povstatus.Tracker, registry *task.Registry, buildMap *buildmap.BuildMap, timeout time.Duration, maxRetries int) *POVReproducer {
	return &POVReproducer{
		tracker:    tracker,
		registry:   registry,
		buildMap:   buildMap,
		timeout:    timeout,
		maxRetries: maxRetries,
		retries:    make(map[string]int),
	}
}

func (p *POVReproducer) Name() string            { return "pov_reproducer" }
func (p *POVReproducer) Interval() time.Duration { return 100 * time.Millisecond }

// RunOnce implements spec §8 scenarios 1 and 4: happy-path resolution and
// cancellation-mid-flight (observed via ShouldStopProcessing before the
// subprocess runs).
func (p *POVReproducer) RunOnce(ctx context.Context) error {
	req, ok, err := p.tracker.GetOnePending(ctx)
	if err != nil {
		return fmt.Errorf("pov reproducer: get one pending: %w", err)
	}
	if !ok {
		return nil
	}

	stop, err := p.registry.ShouldStopProcessing(ctx, req.TaskID, nil, time.Now())
	if err != nil {
		return fmt.Errorf("pov reproducer: should stop: %w", err)
	}
	if stop {
		if _, err := p.tracker.MarkExpired(ctx, req); err != nil {
			return fmt.Errorf("pov reproducer: mark expired %s: %w", req.Key(), err)
		}
		p.resetRetries(req.Key())
		return nil
	}

	buildType := msg.BuildTypeTracerNoDiff
	patchID := ""
	if req.InternalPatchID != "" {
		buildType = msg.BuildTypePatch
		patchID = req.InternalPatchID
	}
	builds, err := p.buildMap.GetBuilds(ctx, req.TaskID, buildType, patchID)
	if err != nil {
		return fmt.Errorf("pov reproducer: get builds: %w", err)
	}
	if len(builds) == 0 {
		// No matching build indexed yet; leave pending, retry next tick.
		return nil
	}
	build := builds[0]

	result, err := runner.Run(ctx, filepath.Join(build.TaskDir, req.HarnessName), []string{req.PovPath}, build.TaskDir, p.timeout)
	if err != nil {
		return fmt.Errorf("pov reproducer: run %s: %w", req.Key(), err)
	}

	didRun := !result.TimedOut
	if !didRun {
		n := p.incrementRetries(req.Key())
		if n > p.maxRetries {
			if _, err := p.tracker.MarkExpired(ctx, req); err != nil {
				return fmt.Errorf("pov reproducer: mark expired %s: %w", req.Key(), err)
			}
			p.resetRetries(req.Key())
		}
		return nil
	}
	p.resetRetries(req.Key())

	didCrash := result.ReturnCode != 0
	if didCrash {
		_, err = p.tracker.MarkNonMitigated(ctx, req)
	} else {
		_, err = p.tracker.MarkMitigated(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("pov reproducer: resolve %s: %w", req.Key(), err)
	}
	return nil
}

func (p *POVReproducer) incrementRetries(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries[key]++
	return p.retries[key]
}

func (p *POVReproducer) resetRetries(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retries, key)
}
