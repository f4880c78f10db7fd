// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ckey encodes composite Redis keys so that independent producers,
// regardless of language, agree on the exact bytes. Every key in this system
// is an ordered tuple of strings, so a JSON array is already canonical: Go's
// encoding/json never reorders array elements or introduces whitespace
// variance once Marshal is used directly (no map involved).
package ckey

import "encoding/json"

// Encode serializes an ordered tuple of string fields into its canonical
// key form. The result is safe to use directly as a Redis key or hash field.
func Encode(fields ...string) string {
	// json.Marshal on a []string never fails.
	b, _ := json.Marshal(fields)
	return string(b)
}

// Decode reverses Encode. Returns an error if raw is not a JSON array of
// strings, which indicates the key was not produced by this package.
func Decode(raw string) ([]string, error) {
	var fields []string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
