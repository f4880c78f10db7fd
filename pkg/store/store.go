// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package store provides the minimal key/value + stream abstraction the
// rest of the core is built on (spec component C1): hashes, sets, plain
// keys, and append-only streams with consumer groups. Every other core
// package depends only on the Store interface, never on redis directly.
package store

import (
	"context"
	"errors"
	"time"
)

// StreamItem is one entry read from a stream, either freshly delivered or
// reclaimed via autoclaim.
type StreamItem struct {
	ID     string
	Fields map[string]string
}

// ErrNilBulk is returned by Get when the key does not exist, mirroring
// redis.Nil without leaking the redis package into callers.
var ErrNilBulk = errors.New("store: key does not exist")

// Store is the thin contract spec §4.1 describes. Every method is a single
// round trip unless documented otherwise.
type Store interface {
	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error
	HExists(ctx context.Context, key, field string) (bool, error)
	HLen(ctx context.Context, key string) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)

	// Sets.
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	// SMove is the sole legal state-machine transition primitive (spec
	// §9): do not emulate with SRem+SAdd. Returns true iff member was
	// actually present in src.
	SMove(ctx context.Context, src, dst, member string) (bool, error)

	// Plain keys.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, next uint64, err error)

	// SetNX is the primitive behind the corpus-merge lock (spec §5):
	// "set key nx ex". Returns true iff the key was set (lock acquired).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Lists (supplemented: SARIF store, spec §4 SUPPLEMENTED FEATURES).
	ListPush(ctx context.Context, key, value string) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Streams.
	StreamAdd(ctx context.Context, name string, fields map[string]string) (id string, err error)
	StreamLen(ctx context.Context, name string) (int64, error)
	StreamCreateGroup(ctx context.Context, name, group string, mkstream bool) error
	StreamReadGroup(ctx context.Context, group, consumer string, names []string, count int64, blockMs int64) (map[string][]StreamItem, error)
	StreamAck(ctx context.Context, name, group, id string) error
	StreamAutoclaim(ctx context.Context, name, group, consumer string, minIdleMs int64, start string, count int64) (items []StreamItem, next string, err error)
	StreamPendingDeliveryCount(ctx context.Context, name, group, id string) (int64, error)
	StreamDel(ctx context.Context, name, id string) error

	// Pipeline batches a set of mutations atomically where noted by the
	// callers that use it (BuildMap.AddBuild, Registry.Delete).
	Pipeline(ctx context.Context, fn func(Pipeliner) error) error
}

// Pipeliner is the subset of Store operations usable inside Pipeline. It
// mirrors Store's hash/set/key methods; stream operations are intentionally
// excluded since none of the callers need them batched.
type Pipeliner interface {
	HSet(key, field, value string)
	HDel(key, field string)
	SAdd(key, member string)
	SRem(key, member string)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
}
