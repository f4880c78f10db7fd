// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package msg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := &BuildOutput{
		TaskID:      "T1",
		BuildType:   BuildTypeFuzzer,
		Sanitizer:   "address",
		Engine:      "libfuzzer",
		PackageName: "libpng",
		TaskDir:     "/out",
	}
	raw, err := Encode(TypeBuildOutput, want)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw, err := Encode("NotAType", struct{}{})
	require.NoError(t, err)
	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestBuildOutputValidate(t *testing.T) {
	require.NoError(t, BuildOutput{BuildType: BuildTypeFuzzer}.Validate())
	require.NoError(t, BuildOutput{BuildType: BuildTypePatch, InternalPatchID: "p1"}.Validate())
	require.ErrorIs(t, BuildOutput{BuildType: BuildTypeFuzzer, InternalPatchID: "p1"}.Validate(), ErrBuildOutputContract)
	require.ErrorIs(t, BuildOutput{BuildType: BuildTypePatch}.Validate(), ErrBuildOutputContract)
}

func TestPOVReproduceRequestKeyOrderSensitive(t *testing.T) {
	r := POVReproduceRequest{TaskID: "T1", InternalPatchID: "P1", PovPath: "/p1", Sanitizer: "address", HarnessName: "H"}
	key1 := r.Key()
	key2 := r.Key()
	require.Equal(t, key1, key2)

	other := r
	other.TaskID, other.InternalPatchID = other.InternalPatchID, other.TaskID
	require.NotEqual(t, key1, other.Key())
}
