// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MergeLockTTL is the corpus-merge lock lifetime, chosen to span roughly
// one fuzzing cycle so a crashed holder's lock expires on its own
// (grounded on original_source/common/.../sets.py:
// MERGING_LOCK_TIMEOUT_SECONDS = 15*60).
const MergeLockTTL = 15 * time.Minute

// Lock is a best-effort mutual-exclusion primitive with liveness via TTL
// expiry (spec §5: "RedisLock... set key nx ex"). It does not guarantee
// exclusion across a clock skew larger than its TTL; callers must treat
// losing the lock mid-operation as tolerable, not catastrophic.
type Lock struct {
	store Store
	key   string
	token string
	ttl   time.Duration
}

// NewLock builds a Lock over key with the given TTL. Each Lock holds a
// random token so Release only clears a lock this instance still owns.
func NewLock(s Store, key string, ttl time.Duration) *Lock {
	return &Lock{store: s, key: key, token: uuid.NewString(), ttl: ttl}
}

// TryAcquire attempts to acquire the lock, returning false (not an error)
// if another holder currently owns it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.store.SetNX(ctx, l.key, l.token, l.ttl)
}

// Release drops the lock iff this instance still holds it. Calling Release
// after the TTL has expired (key gone) returns nil; if another holder has
// acquired the key since, Release returns ErrLockNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	v, err := l.store.Get(ctx, l.key)
	if err == ErrNilBulk {
		return nil
	}
	if err != nil {
		return err
	}
	if v != l.token {
		return ErrLockNotHeld
	}
	return l.store.Delete(ctx, l.key)
}

// ErrLockNotHeld is returned by Release when the lock has already expired
// or been acquired by another holder.
var ErrLockNotHeld = errNotHeld{}

type errNotHeld struct{}

func (errNotHeld) Error() string { return "store: lock not held" }
