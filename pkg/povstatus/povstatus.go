// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package povstatus implements the PoV reproduction status machine (spec
// component C5): the correctness-critical set-of-sets cache tracking
// whether a PoV is confirmed mitigated, non-mitigated, pending, or
// expired, with single-writer transitions via atomic SMove.
package povstatus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/trailofbits/buttercup-go/pkg/ckey"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// Set names, per spec §6. The spec's prose names the fourth set
// "expired"; its external-interfaces table elsewhere lists
// "non_expired" for the same concept, which reads as a typo against its
// own §4.5 component description — this package uses "expired" (see
// DESIGN.md).
const (
	setPending      = "pov_reproduce_pending"
	setMitigated    = "pov_reproduce_mitigated"
	setNonMitigated = "pov_reproduce_non_mitigated"
	setExpired      = "pov_reproduce_expired"
)

// terminalCacheCapacity bounds the process-local terminal-state cache,
// per spec §9 ("must be bounded (e.g., 1,000 entries, LRU)").
const terminalCacheCapacity = 1000

// Status reports a reproduction outcome. Pending is true when no
// terminal outcome is yet known (the caller must wait for a future
// resolution), in which case DidCrash is meaningless.
type Status struct {
	Pending  bool
	DidCrash bool
}

// Tracker is the PoV reproduction status machine.
type Tracker struct {
	store store.Store

	mu    sync.Mutex
	cache *lruCache
}

// NewTracker builds a Tracker over s.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s, cache: newLRUCache(terminalCacheCapacity)}
}

// RequestStatus implements spec §4.5's request_status: a fast path
// through the process-local terminal-state cache, then a slow path of
// three SIsMember checks (pending, mitigated, non-mitigated) issued one
// after another, not pipelined, and, on a first-time request, seeding
// the pending set. Returns (status, pending=true) if the key has no
// resolution yet.
func (t *Tracker) RequestStatus(ctx context.Context, req msg.POVReproduceRequest) (Status, error) {
	key := req.Key()

	t.mu.Lock()
	if v, ok := t.cache.get(key); ok {
		t.mu.Unlock()
		return Status{DidCrash: v.(bool)}, nil
	}
	t.mu.Unlock()

	pending, err := t.store.SIsMember(ctx, setPending, key)
	if err != nil {
		return Status{}, fmt.Errorf("request status: pending check: %w", err)
	}
	if pending {
		return Status{Pending: true}, nil
	}
	mitigated, err := t.store.SIsMember(ctx, setMitigated, key)
	if err != nil {
		return Status{}, fmt.Errorf("request status: mitigated check: %w", err)
	}
	if mitigated {
		t.cacheTerminal(key, false)
		return Status{DidCrash: false}, nil
	}
	nonMitigated, err := t.store.SIsMember(ctx, setNonMitigated, key)
	if err != nil {
		return Status{}, fmt.Errorf("request status: non-mitigated check: %w", err)
	}
	if nonMitigated {
		t.cacheTerminal(key, true)
		return Status{DidCrash: true}, nil
	}

	// Not in any set: first-time scheduling.
	if err := t.store.SAdd(ctx, setPending, key); err != nil {
		return Status{}, fmt.Errorf("request status: seed pending: %w", err)
	}
	return Status{Pending: true}, nil
}

func (t *Tracker) cacheTerminal(key string, didCrash bool) {
	t.mu.Lock()
	t.cache.put(key, didCrash)
	t.mu.Unlock()
}

// MarkMitigated moves key from pending to mitigated. Returns true iff the
// key was actually in pending: the atomicity point preventing two workers
// from resolving the same request to different outcomes.
func (t *Tracker) MarkMitigated(ctx context.Context, req msg.POVReproduceRequest) (bool, error) {
	moved, err := t.move(ctx, req, setMitigated)
	if err == nil && moved {
		t.cacheTerminal(req.Key(), false)
	}
	return moved, err
}

// MarkNonMitigated moves key from pending to non-mitigated.
func (t *Tracker) MarkNonMitigated(ctx context.Context, req msg.POVReproduceRequest) (bool, error) {
	moved, err := t.move(ctx, req, setNonMitigated)
	if err == nil && moved {
		t.cacheTerminal(req.Key(), true)
	}
	return moved, err
}

// MarkExpired moves key from pending to expired. Expired is not cached
// as a terminal did_crash outcome since RequestStatus has no
// representation for "expired" in its {did_crash} contract; callers that
// need to know a request expired should check membership directly.
func (t *Tracker) MarkExpired(ctx context.Context, req msg.POVReproduceRequest) (bool, error) {
	return t.move(ctx, req, setExpired)
}

func (t *Tracker) move(ctx context.Context, req msg.POVReproduceRequest, dst string) (bool, error) {
	moved, err := t.store.SMove(ctx, setPending, dst, req.Key())
	if err != nil {
		return false, fmt.Errorf("move to %s: %w", dst, err)
	}
	return moved, nil
}

// GetOnePending reads the pending set and returns a uniformly random
// member's decoded key, or ok=false if the set is empty.
func (t *Tracker) GetOnePending(ctx context.Context) (req msg.POVReproduceRequest, ok bool, err error) {
	members, err := t.store.SMembers(ctx, setPending)
	if err != nil {
		return msg.POVReproduceRequest{}, false, fmt.Errorf("get one pending: %w", err)
	}
	if len(members) == 0 {
		return msg.POVReproduceRequest{}, false, nil
	}
	chosen := members[rand.Intn(len(members))]
	fields, err := decodeKey(chosen)
	if err != nil {
		return msg.POVReproduceRequest{}, false, fmt.Errorf("get one pending: decode key: %w", err)
	}
	return fields, true, nil
}

func decodeKey(raw string) (msg.POVReproduceRequest, error) {
	fields, err := ckey.Decode(raw)
	if err != nil {
		return msg.POVReproduceRequest{}, err
	}
	if len(fields) != 5 {
		return msg.POVReproduceRequest{}, fmt.Errorf("pov key: expected 5 fields, got %d", len(fields))
	}
	return msg.POVReproduceRequest{
		TaskID:          fields[0],
		InternalPatchID: fields[1],
		PovPath:         fields[2],
		Sanitizer:       fields[3],
		HarnessName:     fields[4],
	}, nil
}
