// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package task implements the task registry and lifecycle tracker (spec
// component C3): it stores every challenge task, its derived cancelled
// state, and enforces "do not process work for a dead task."
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

const (
	registryKey      = "orchestrator_tasks_registry"
	cancelledSetName = "cancelled_tasks"
	succeededSetName = "succeeded_tasks"
	erroredSetName   = "errored_tasks"
)

// Registry stores Task records in a single hash keyed by lower(task_id)
// and three auxiliary outcome sets, per spec §4.3.
type Registry struct {
	store store.Store

	mu         sync.Mutex
	deadlineLRU *lruCache
}

// deadlineCacheCapacity bounds the per-process deadline memoization, per
// spec §9 ("must be bounded").
const deadlineCacheCapacity = 1000

// NewRegistry builds a Registry over s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, deadlineLRU: newLRUCache(deadlineCacheCapacity)}
}

func normalize(taskID string) string { return strings.ToLower(taskID) }

// Set upserts task into the registry hash.
func (r *Registry) Set(ctx context.Context, t msg.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task set: marshal: %w", err)
	}
	if err := r.store.HSet(ctx, registryKey, normalize(t.TaskID), string(raw)); err != nil {
		return fmt.Errorf("task set %s: %w", t.TaskID, err)
	}
	r.invalidateDeadline(t.TaskID)
	return nil
}

// TaskWithStatus is a Task with its derived Cancelled flag, as returned by
// Get. Cancelled is never stored on the hash record itself; it is always
// read from the authoritative cancelled set.
type TaskWithStatus struct {
	msg.Task
	Cancelled bool
}

// Get returns the task, with Cancelled populated from the authoritative
// cancelled set. found is false if the task id is unknown.
func (r *Registry) Get(ctx context.Context, taskID string) (t *TaskWithStatus, found bool, err error) {
	raw, err := r.store.HGet(ctx, registryKey, normalize(taskID))
	if err == store.ErrNilBulk {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("task get %s: %w", taskID, err)
	}
	var base msg.Task
	if err := json.Unmarshal([]byte(raw), &base); err != nil {
		return nil, false, fmt.Errorf("task get %s: unmarshal: %w", taskID, err)
	}
	cancelled, err := r.IsCancelled(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	return &TaskWithStatus{Task: base, Cancelled: cancelled}, true, nil
}

// Delete removes the hash entry and the cancelled-set entry atomically
// with respect to each other, per spec §4.3.
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	key := normalize(taskID)
	err := r.store.Pipeline(ctx, func(p store.Pipeliner) error {
		p.HDel(registryKey, key)
		p.SRem(cancelledSetName, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("task delete %s: %w", taskID, err)
	}
	r.invalidateDeadline(taskID)
	return nil
}

// MarkCancelled adds taskID to the cancelled set.
func (r *Registry) MarkCancelled(ctx context.Context, taskID string) error {
	return r.sadd(ctx, cancelledSetName, taskID)
}

// MarkSuccessful adds taskID to the succeeded set.
func (r *Registry) MarkSuccessful(ctx context.Context, taskID string) error {
	return r.sadd(ctx, succeededSetName, taskID)
}

// MarkErrored adds taskID to the errored set.
func (r *Registry) MarkErrored(ctx context.Context, taskID string) error {
	return r.sadd(ctx, erroredSetName, taskID)
}

func (r *Registry) sadd(ctx context.Context, set, taskID string) error {
	if err := r.store.SAdd(ctx, set, normalize(taskID)); err != nil {
		return fmt.Errorf("mark %s %s: %w", set, taskID, err)
	}
	return nil
}

// IsCancelled reports set membership for taskID.
func (r *Registry) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return r.sismember(ctx, cancelledSetName, taskID)
}

// IsSuccessful reports set membership for taskID.
func (r *Registry) IsSuccessful(ctx context.Context, taskID string) (bool, error) {
	return r.sismember(ctx, succeededSetName, taskID)
}

// IsErrored reports set membership for taskID.
func (r *Registry) IsErrored(ctx context.Context, taskID string) (bool, error) {
	return r.sismember(ctx, erroredSetName, taskID)
}

func (r *Registry) sismember(ctx context.Context, set, taskID string) (bool, error) {
	ok, err := r.store.SIsMember(ctx, set, normalize(taskID))
	if err != nil {
		return false, fmt.Errorf("is member %s %s: %w", set, taskID, err)
	}
	return ok, nil
}

// IsExpired reports whether taskID's deadline+delta has passed. Tasks
// that do not exist are treated as not-expired, per spec §4.3, so a
// caller never races a registry-delete into "should stop". now is passed
// in explicitly so callers (and tests) control the clock.
func (r *Registry) IsExpired(ctx context.Context, taskID string, delta time.Duration, now time.Time) (bool, error) {
	deadline, ok, err := r.deadline(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return deadline.Add(delta).Before(now) || deadline.Add(delta).Equal(now), nil
}

func (r *Registry) deadline(ctx context.Context, taskID string) (time.Time, bool, error) {
	key := normalize(taskID)
	r.mu.Lock()
	if v, ok := r.deadlineLRU.get(key); ok {
		r.mu.Unlock()
		return v.(time.Time), true, nil
	}
	r.mu.Unlock()

	t, found, err := r.Get(ctx, taskID)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	d := time.Unix(t.Deadline, 0)
	r.mu.Lock()
	r.deadlineLRU.put(key, d)
	r.mu.Unlock()
	return d, true, nil
}

func (r *Registry) invalidateDeadline(taskID string) {
	r.mu.Lock()
	r.deadlineLRU.delete(normalize(taskID))
	r.mu.Unlock()
}

// ShouldStopProcessing is cancelled OR expired. cancelledSetMembers, if non-nil,
// lets a caller amortize lookups across many tasks in one tick instead of
// round-tripping SIsMember per task.
func (r *Registry) ShouldStopProcessing(ctx context.Context, taskID string, cancelledSetMembers map[string]bool, now time.Time) (bool, error) {
	var cancelled bool
	var err error
	if cancelledSetMembers != nil {
		cancelled = cancelledSetMembers[normalize(taskID)]
	} else {
		cancelled, err = r.IsCancelled(ctx, taskID)
		if err != nil {
			return false, err
		}
	}
	if cancelled {
		return true, nil
	}
	return r.IsExpired(ctx, taskID, 0, now)
}

// Iterate streams every task, populating Cancelled per the cancelled set
// in a single in-memory join (one HGetAll, then one SMembers call).
func (r *Registry) Iterate(ctx context.Context) ([]TaskView, error) {
	all, err := r.store.HGetAll(ctx, registryKey)
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	cancelledMembers, err := r.store.SMembers(ctx, cancelledSetName)
	if err != nil {
		return nil, fmt.Errorf("iterate: cancelled set: %w", err)
	}
	cancelled := make(map[string]bool, len(cancelledMembers))
	for _, m := range cancelledMembers {
		cancelled[m] = true
	}
	views := make([]TaskView, 0, len(all))
	for key, raw := range all {
		var t msg.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("iterate: unmarshal %s: %w", key, err)
		}
		views = append(views, TaskView{Task: t, Cancelled: cancelled[key]})
	}
	return views, nil
}

// GetLiveTasks returns Iterate's result filtered to tasks that are
// neither cancelled nor expired.
func (r *Registry) GetLiveTasks(ctx context.Context, now time.Time) ([]TaskView, error) {
	all, err := r.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]TaskView, 0, len(all))
	for _, v := range all {
		if v.Cancelled {
			continue
		}
		if !time.Unix(v.Task.Deadline, 0).After(now) {
			continue
		}
		live = append(live, v)
	}
	return live, nil
}

// TaskView is a Task with its derived Cancelled flag attached, returned by
// Iterate/GetLiveTasks so callers don't need a second lookup.
type TaskView struct {
	Task      msg.Task
	Cancelled bool
}

// ErrNotFound is returned by callers that need a distinguishable
// not-found error; Get itself returns (nil, false, nil) for "not found"
// so normal control flow doesn't need error matching.
var ErrNotFound = fmt.Errorf("task: not found")
