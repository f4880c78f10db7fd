// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/trailofbits/buttercup-go/pkg/store"
)

// CrashDedup tracks, per task, the fingerprints of crashes already
// forwarded to the unique-vulnerabilities queue (spec §4.7 item 4: stack
// parsing for the fingerprint itself is explicitly out of scope, so this
// is a minimal normalize-and-hash strategy, not the source's actual
// triage heuristic).
type CrashDedup struct {
	store store.Store
}

// NewCrashDedup builds a CrashDedup over s.
func NewCrashDedup(s store.Store) *CrashDedup {
	return &CrashDedup{store: s}
}

func dedupSetKey(taskID string) string {
	return "crash_fingerprints:" + strings.ToLower(taskID)
}

// Observe reports whether fp is novel for taskID, recording it if so.
// Two concurrent Observe calls for the same fingerprint may both report
// novel (best-effort check-then-set); the crash is then forwarded twice
// and vulnerability submission sees it twice (only bundle submission is
// deduplicated, by the submission tracker's bundle markers).
func (d *CrashDedup) Observe(ctx context.Context, taskID, fp string) (bool, error) {
	key := dedupSetKey(taskID)
	exists, err := d.store.SIsMember(ctx, key, fp)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := d.store.SAdd(ctx, key, fp); err != nil {
		return false, err
	}
	return true, nil
}

var (
	symbolToken = regexp.MustCompile(`_Z[A-Za-z0-9_.$]+`)
	addrToken   = regexp.MustCompile(`(0x[0-9a-fA-F]+|\+0x[0-9a-fA-F]+|\+\d+)`)
)

// dedupFingerprint hashes a normalized form of the stack trace: mangled
// C++ symbols are demangled and addresses/offsets are stripped so the
// fingerprint stays stable across ASLR and build-id churn, then the
// result is hashed together with task and harness so distinct harnesses
// never collide.
func dedupFingerprint(taskID, harness, stacktrace string) string {
	normalized := normalizeStacktrace(stacktrace)
	sum := sha256.Sum256([]byte(taskID + "\x00" + harness + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

func normalizeStacktrace(raw string) string {
	lines := strings.Split(raw, "\n")
	frames := make([]string, 0, len(lines))
	for _, line := range lines {
		line = addrToken.ReplaceAllString(line, "")
		line = symbolToken.ReplaceAllStringFunc(line, demangle.Filter)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frames = append(frames, line)
	}
	return strings.Join(frames, "\n")
}
