// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), "echo", []string{"hello"}, "", time.Second)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "hello\n", res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, "", time.Second)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.ReturnCode)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	res, err := Run(context.Background(), "sleep", []string{"5"}, "", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}
