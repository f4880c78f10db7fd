// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package buildmap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-go/pkg/ckey"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

const harnessWeightsKey = "harness_weights"

// HarnessWeights is a single hash keyed by the canonical [package, harness,
// task] tuple, holding advisory sampling weights for the scheduler.
type HarnessWeights struct {
	store store.Store
}

// NewHarnessWeights builds a HarnessWeights over s.
func NewHarnessWeights(s store.Store) *HarnessWeights {
	return &HarnessWeights{store: s}
}

func harnessKey(h msg.WeightedHarness) string {
	return ckey.Encode(h.PackageName, h.HarnessName, h.TaskID)
}

// PushHarness upserts h's weight. Per spec §9, every current producer
// calls this with weight 1; the field exists for a future weighting
// producer and is not otherwise interpreted here.
func (w *HarnessWeights) PushHarness(ctx context.Context, h msg.WeightedHarness) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("push harness: marshal: %w", err)
	}
	if err := w.store.HSet(ctx, harnessWeightsKey, harnessKey(h), string(raw)); err != nil {
		return fmt.Errorf("push harness %s/%s: %w", h.TaskID, h.HarnessName, err)
	}
	return nil
}

// ListHarnesses returns every recorded harness weight.
func (w *HarnessWeights) ListHarnesses(ctx context.Context) ([]msg.WeightedHarness, error) {
	all, err := w.store.HGetAll(ctx, harnessWeightsKey)
	if err != nil {
		return nil, fmt.Errorf("list harnesses: %w", err)
	}
	out := make([]msg.WeightedHarness, 0, len(all))
	for k, raw := range all {
		var h msg.WeightedHarness
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("list harnesses: unmarshal %s: %w", k, err)
		}
		out = append(out, h)
	}
	return out, nil
}
