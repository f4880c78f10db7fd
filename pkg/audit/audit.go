// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package audit is a durable, Spanner-backed submission status history
// (supplemented feature, see SPEC_FULL.md §4): every pov/patch status
// transition is appended here (bundle-submitted markers are not) so "why did this bundle never
// submit" is answerable after the hot Redis state has moved on. Entity
// shape and insert pattern are adapted from syz-cluster/pkg/db's
// Session/SessionTest repositories.
package audit

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/trailofbits/buttercup-go/pkg/submission"
)

// Record is one immutable row of submission status history.
type Record struct {
	ID          string    `spanner:"ID"`
	Kind        string    `spanner:"Kind"` // "pov" or "patch"
	TaskID      string    `spanner:"TaskID"`
	EntityID    string    `spanner:"EntityID"` // pov id or patch id
	Status      string    `spanner:"Status"`
	LastUpdated time.Time `spanner:"LastUpdated"`
	RecordedAt  time.Time `spanner:"RecordedAt"`
}

// Log appends and queries submission status history against Spanner.
type Log struct {
	client *spanner.Client
}

// NewLog wraps an existing Spanner client. The caller owns its lifecycle.
func NewLog(client *spanner.Client) *Log {
	return &Log{client: client}
}

// RecordStatus implements pkg/submission.AuditSink: it appends one
// immutable row per status transition. rec.LastUpdated (not the wall
// clock) becomes the row's LastUpdated, so the audit row's timestamp
// always matches the Redis write it shadows.
func (l *Log) RecordStatus(ctx context.Context, kind, task, entityID string, rec submission.StatusRecord) error {
	row := Record{
		ID:          uuid.NewString(),
		Kind:        kind,
		TaskID:      task,
		EntityID:    entityID,
		Status:      string(rec.Status),
		LastUpdated: time.Unix(rec.LastUpdated, 0),
		RecordedAt:  time.Now(),
	}
	mutation, err := spanner.InsertStruct("AuditLog", row)
	if err != nil {
		return fmt.Errorf("audit: build insert: %w", err)
	}
	if _, err := l.client.Apply(ctx, []*spanner.Mutation{mutation}); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// History returns every recorded status transition for taskID, oldest
// first.
func (l *Log) History(ctx context.Context, taskID string) ([]Record, error) {
	stmt := spanner.Statement{
		SQL:    "SELECT * FROM `AuditLog` WHERE `TaskID` = @task ORDER BY `RecordedAt` ASC",
		Params: map[string]interface{}{"task": taskID},
	}
	iter := l.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []Record
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audit: history %s: %w", taskID, err)
		}
		var rec Record
		if err := row.ToStruct(&rec); err != nil {
			return nil, fmt.Errorf("audit: history %s: decode row: %w", taskID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ submission.AuditSink = (*Log)(nil)
