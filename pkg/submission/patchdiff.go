// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package submission

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/speakeasy-api/git-diff-parser/diffparser"
)

// ValidatePatchDiff parses a patch's unified diff text and rejects it if
// it doesn't parse as a well-formed diff touching at least one file.
// Build/reproduce/submission never accept a patch blob we can't at least
// parse the shape of.
func ValidatePatchDiff(diff string) error {
	parsed, err := diffparser.Parse(diff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatchDiff, err)
	}
	if len(parsed.Files) == 0 {
		return fmt.Errorf("%w: no files touched", ErrInvalidPatchDiff)
	}
	return nil
}

// ErrInvalidPatchDiff marks a patch whose diff text doesn't parse.
var ErrInvalidPatchDiff = fmt.Errorf("submission: invalid patch diff")

// DiffStats summarizes a patch's insertions/deletions for the log line
// handlePatchSubmission emits once a patch clears ValidatePatchDiff.
type DiffStats struct {
	Insertions int
	Deletions  int
}

// ComputeDiffStats diffs before/after text and returns character-level
// insert and delete counts.
func ComputeDiffStats(before, after string) DiffStats {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	var stats DiffStats
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stats.Insertions += len(d.Text)
		case diffmatchpatch.DiffDelete:
			stats.Deletions += len(d.Text)
		}
	}
	return stats
}

// ComputeUnifiedDiffStats derives DiffStats straight from a patch's
// unified diff text: a Patch message only ever carries the diff itself,
// never the pre/post-patch source, so the removed and added hunk bodies
// (every "-"/"+" line other than the "---"/"+++" file headers) stand in
// for before/after.
func ComputeUnifiedDiffStats(diff string) DiffStats {
	var removed, added strings.Builder
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			added.WriteString(line[1:])
			added.WriteByte('\n')
		case strings.HasPrefix(line, "-"):
			removed.WriteString(line[1:])
			removed.WriteByte('\n')
		}
	}
	return ComputeDiffStats(removed.String(), added.String())
}
