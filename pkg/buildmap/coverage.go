// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package buildmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/trailofbits/buttercup-go/pkg/ckey"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// CoverageMap is a per-(harness, package, task) hash of function coverage
// records, keyed by the canonical [function_name, function_paths] tuple.
// Writes overwrite; reads enumerate; the map is idempotent.
type CoverageMap struct {
	store store.Store
}

// NewCoverageMap builds a CoverageMap over s.
func NewCoverageMap(s store.Store) *CoverageMap {
	return &CoverageMap{store: s}
}

func coverageHashKey(harness, pkg, taskID string) string {
	return ckey.Encode("coverage_map", harness, pkg, taskID)
}

func functionKey(fc msg.FunctionCoverage) string {
	paths := append([]string(nil), fc.FunctionPaths...)
	sort.Strings(paths)
	paths = dedupSorted(paths)
	return ckey.Encode(fc.FunctionName, ckey.Encode(paths...))
}

func dedupSorted(sorted []string) []string {
	out := sorted[:0]
	var prev string
	first := true
	for _, s := range sorted {
		if first || s != prev {
			out = append(out, s)
			prev = s
			first = false
		}
	}
	return out
}

// PushCoverage writes (overwriting) a function's coverage record for
// (harness, pkg, taskID).
func (c *CoverageMap) PushCoverage(ctx context.Context, harness, pkg, taskID string, fc msg.FunctionCoverage) error {
	fc.FunctionPaths = append([]string(nil), fc.FunctionPaths...)
	sort.Strings(fc.FunctionPaths)
	fc.FunctionPaths = dedupSorted(fc.FunctionPaths)
	raw, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("push coverage: marshal: %w", err)
	}
	if err := c.store.HSet(ctx, coverageHashKey(harness, pkg, taskID), functionKey(fc), string(raw)); err != nil {
		return fmt.Errorf("push coverage %s/%s/%s: %w", harness, pkg, taskID, err)
	}
	return nil
}

// ListCoverage returns every function coverage record for (harness, pkg,
// taskID).
func (c *CoverageMap) ListCoverage(ctx context.Context, harness, pkg, taskID string) ([]msg.FunctionCoverage, error) {
	all, err := c.store.HGetAll(ctx, coverageHashKey(harness, pkg, taskID))
	if err != nil {
		return nil, fmt.Errorf("list coverage %s/%s/%s: %w", harness, pkg, taskID, err)
	}
	out := make([]msg.FunctionCoverage, 0, len(all))
	for k, raw := range all {
		var fc msg.FunctionCoverage
		if err := json.Unmarshal([]byte(raw), &fc); err != nil {
			return nil, fmt.Errorf("list coverage: unmarshal %s: %w", k, err)
		}
		out = append(out, fc)
	}
	return out, nil
}
