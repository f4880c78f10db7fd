// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package task

import (
	"context"
	"fmt"

	"github.com/trailofbits/buttercup-go/pkg/store"
)

// SarifStore wraps the per-task SARIF blob list named in spec §6
// ("sarif:{task_id_lowercase}") but left without operations there; shape
// grounded on original_source's sarif_store.py, following pkg/povstatus's
// set-wrapper idiom.
type SarifStore struct {
	store store.Store
}

// NewSarifStore builds a SarifStore over s.
func NewSarifStore(s store.Store) *SarifStore {
	return &SarifStore{store: s}
}

func sarifKey(taskID string) string {
	return fmt.Sprintf("sarif:%s", normalize(taskID))
}

// Add appends one SARIF blob (opaque JSON) for taskID.
func (s *SarifStore) Add(ctx context.Context, taskID, blob string) error {
	if err := s.store.ListPush(ctx, sarifKey(taskID), blob); err != nil {
		return fmt.Errorf("sarif add %s: %w", taskID, err)
	}
	return nil
}

// List returns every SARIF blob recorded for taskID, in insertion order.
func (s *SarifStore) List(ctx context.Context, taskID string) ([]string, error) {
	blobs, err := s.store.ListRange(ctx, sarifKey(taskID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("sarif list %s: %w", taskID, err)
	}
	return blobs, nil
}
