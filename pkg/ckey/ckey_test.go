// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ckey

import "testing"

func TestEncodeDeterministic(t *testing.T) {
	a := Encode("T1", "P1", "/p1", "address", "H")
	b := Encode("T1", "P1", "/p1", "address", "H")
	if a != b {
		t.Fatalf("encoding of identical tuples diverged: %q vs %q", a, b)
	}
}

func TestEncodeOrderSensitive(t *testing.T) {
	a := Encode("a", "b")
	b := Encode("b", "a")
	if a == b {
		t.Fatalf("encoding must be order-sensitive, got equal keys %q", a)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	fields := []string{"task", "patch", "pov", "san", "harness"}
	enc := Encode(fields...)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(dec) != len(fields) {
		t.Fatalf("got %d fields, want %d", len(dec), len(fields))
	}
	for i := range fields {
		if dec[i] != fields[i] {
			t.Fatalf("field %d: got %q, want %q", i, dec[i], fields[i])
		}
	}
}

func TestDecodeRejectsNonArray(t *testing.T) {
	if _, err := Decode(`{"a":"b"}`); err == nil {
		t.Fatalf("expected error decoding a non-array payload")
	}
}
