// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// TestXZRoundTrip exercises the exact compress/decompress pairing
// GCSStorage.WriteCompressed/Read perform, against plain buffers. A real
// GCS backend can't be stood up without a fake network dependency this
// module doesn't carry, so this isolates the only logic that's actually
// ours: the xz framing.
func TestXZRoundTrip(t *testing.T) {
	var compressed bytes.Buffer
	xw, err := xz.NewWriter(&compressed)
	require.NoError(t, err)

	original := []byte("corpus seed file contents, repeated repeated repeated for compressibility")
	_, err = xw.Write(original)
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	xr, err := xz.NewReader(&compressed)
	require.NoError(t, err)

	got, err := io.ReadAll(xr)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestDecompressingReadCloserPassesThrough(t *testing.T) {
	var compressed bytes.Buffer
	xw, err := xz.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = xw.Write([]byte("scratch dir archive"))
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	xr, err := xz.NewReader(&compressed)
	require.NoError(t, err)

	drc := &decompressingReadCloser{xr: xr, underlying: io.NopCloser(&bytes.Buffer{})}
	got, err := io.ReadAll(drc)
	require.NoError(t, err)
	require.Equal(t, "scratch dir archive", string(got))
	require.NoError(t, drc.Close())
}
