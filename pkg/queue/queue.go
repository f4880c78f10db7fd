// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package queue implements the at-least-once reliable queue over
// pkg/store's streams (spec component C2): consumer groups, auto-reclaim
// of abandoned entries, and delivery-count tracking.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

// NonBlocking tells Pop not to wait for an entry; used by the scheduler's
// cooperative multiplex loop so one empty queue never stalls the others.
const NonBlocking int64 = -1

// RQItem is one item popped from a queue: its stream-assigned id, the
// decoded payload, and the consumer name that delivered it.
type RQItem struct {
	ItemID       string
	Deserialized any
	ConsumerName string
}

// Queue is a named append-only stream with a single default consumer
// group, per spec §4.2.
type Queue struct {
	store        store.Store
	name         string
	group        string
	consumerName string
	taskTimeout  int64 // milliseconds; used as autoclaim's min_idle_ms
	blockMs      int64
}

// New builds a Queue bound to name/group. taskTimeoutMs is the minimum
// idle time (ms) before an unacked entry becomes eligible for autoclaim
// reclaim by another consumer; blockMs is the per-queue block duration
// passed to Pop (use NonBlocking for the scheduler's multiplex loop).
func New(s store.Store, name, group string, taskTimeoutMs, blockMs int64) (*Queue, error) {
	ctx := context.Background()
	if err := s.StreamCreateGroup(ctx, name, group, true); err != nil {
		return nil, fmt.Errorf("create group %s/%s: %w", name, group, err)
	}
	return &Queue{
		store:        s,
		name:         name,
		group:        group,
		consumerName: uuid.NewString(),
		taskTimeout:  taskTimeoutMs,
		blockMs:      blockMs,
	}, nil
}

// ConsumerName returns this Queue instance's unique opaque consumer name.
// New generates a fresh name for every Queue and every call on that Queue
// reuses it; a restarted process therefore gets a new name, and entries an
// earlier instance left in flight are recovered through autoclaim once
// they have been idle for taskTimeout, not through name reuse.
func (q *Queue) ConsumerName() string { return q.consumerName }

// Push serializes msg into a single-field entry and appends it to the
// stream.
func (q *Queue) Push(ctx context.Context, typ string, body any) (string, error) {
	raw, err := msg.Encode(typ, body)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", q.name, err)
	}
	id, err := q.store.StreamAdd(ctx, q.name, map[string]string{"data": string(raw)})
	if err != nil {
		return "", fmt.Errorf("push %s: %w", q.name, err)
	}
	return id, nil
}

// Pop performs the two-phase read spec §4.2 describes: a non-blocking (or
// blockMs-bounded) read of unseen entries, falling back to an autoclaim of
// a stale entry from any consumer. Returns (nil, nil) if both are empty.
func (q *Queue) Pop(ctx context.Context) (*RQItem, error) {
	items, err := q.store.StreamReadGroup(ctx, q.group, q.consumerName, []string{q.name}, 1, q.blockMs)
	if err != nil {
		return nil, fmt.Errorf("pop %s: read group: %w", q.name, err)
	}
	if list := items[q.name]; len(list) > 0 {
		return q.decode(list[0])
	}

	claimed, _, err := q.store.StreamAutoclaim(ctx, q.name, q.group, q.consumerName, q.taskTimeout, "0", 1)
	if err != nil {
		return nil, fmt.Errorf("pop %s: autoclaim: %w", q.name, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	return q.decode(claimed[0])
}

func (q *Queue) decode(item store.StreamItem) (*RQItem, error) {
	raw, ok := item.Fields["data"]
	if !ok {
		return nil, fmt.Errorf("%w: item %s missing data field", ErrMalformedPayload, item.ID)
	}
	v, err := msg.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: item %s: %v", ErrMalformedPayload, item.ID, err)
	}
	return &RQItem{ItemID: item.ID, Deserialized: v, ConsumerName: q.consumerName}, nil
}

// ErrMalformedPayload wraps a decode failure on an item's payload. The
// caller decides whether to Ack-and-drop (after checking TimesDelivered
// against a threshold) or leave it pending for inspection.
var ErrMalformedPayload = fmt.Errorf("queue: malformed payload")

// Ack completes item_id, removing it from the pending-entries list.
func (q *Queue) Ack(ctx context.Context, itemID string) error {
	return q.store.StreamAck(ctx, q.name, q.group, itemID)
}

// TimesDelivered returns the pending-entries delivery counter for item_id.
func (q *Queue) TimesDelivered(ctx context.Context, itemID string) (int64, error) {
	return q.store.StreamPendingDeliveryCount(ctx, q.name, q.group, itemID)
}

// Size returns the approximate stream length, including unacked entries.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.StreamLen(ctx, q.name)
}
