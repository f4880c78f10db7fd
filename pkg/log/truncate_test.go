// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	assert.Equal(t, []byte(`01234

<<cut 11 bytes out>>`), Truncate([]byte(`0123456789ABCDEF`), 5, 0))
	assert.Equal(t, []byte(`<<cut 11 bytes out>>

BCDEF`), Truncate([]byte(`0123456789ABCDEF`), 0, 5))
	assert.Equal(t, []byte(`0123

<<cut 9 bytes out>>

DEF`), Truncate([]byte(`0123456789ABCDEF`), 4, 3))
}

func TestTruncateLeavesShortStacktraceUntouched(t *testing.T) {
	short := []byte("#0 in foo lib.c:1\n#1 in bar lib.c:2")
	assert.Equal(t, short, Truncate(short, 4096, 4096))
}

func TestTruncateBoundsOversizedStacktrace(t *testing.T) {
	frame := "#0 0xdeadbeef in some_fuzz_target harness.c:123\n"
	stacktrace := []byte(strings.Repeat(frame, 1000))

	bounded := Truncate(stacktrace, 512, 512)
	assert.Less(t, len(bounded), len(stacktrace))
	assert.True(t, bytes.HasPrefix(bounded, stacktrace[:512]))
	assert.True(t, bytes.HasSuffix(bounded, stacktrace[len(stacktrace)-512:]))
	assert.Contains(t, string(bounded), "<<cut")
}
