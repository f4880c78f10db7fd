// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log bounds the size of crash output this core carries through
// its queues and submission bundles: a TracedCrash's stacktrace comes
// from an untrusted harness run and can be arbitrarily large, but only
// the first and last few KB are ever useful for dedup fingerprinting or
// triage.
package log

import (
	"bytes"
	"fmt"
)

// Truncate keeps up to begin bytes from the start of a crash stacktrace
// and up to end bytes from its end, collapsing everything else into a
// single "<<cut N bytes out>>" marker. Used by the scheduler's crash-dedup
// sub-serve to bound Crash.Stacktrace before it reaches the
// unique-vulnerabilities queue and any downstream submission bundle.
func Truncate(stacktrace []byte, begin, end int) []byte {
	if begin+end >= len(stacktrace) {
		return stacktrace
	}
	var b bytes.Buffer
	b.Write(stacktrace[:begin])
	if begin > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "<<cut %d bytes out>>",
		len(stacktrace)-begin-end,
	)
	if end > 0 {
		b.WriteString("\n\n")
	}
	b.Write(stacktrace[len(stacktrace)-end:])
	return b.Bytes()
}
