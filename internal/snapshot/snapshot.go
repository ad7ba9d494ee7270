// Package snapshot provides the generic versioned state store used by
// aggregates and internal subsystems (apps, schemas, tag indexes, consumer
// checkpoints) to persist their folded state without replaying full history.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/groblegark/contentd/internal/model"
	"github.com/groblegark/contentd/internal/store"
)

// Store is a typed view over one snapshot kind. Version equals the stream
// offset of the last event folded into the document; version 0 means no
// snapshot exists yet (offsets start at zero, so a persisted snapshot always
// has version >= 1).
type Store[T any] struct {
	store store.Store
	kind  string
}

// NewStore creates a snapshot store for one kind.
func NewStore[T any](s store.Store, kind string) *Store[T] {
	return &Store[T]{store: s, kind: kind}
}

// Kind returns the kind discriminator of this store.
func (s *Store[T]) Kind() string {
	return s.kind
}

// Load returns the stored document and its version, or the zero value and
// version 0 when no snapshot exists.
func (s *Store[T]) Load(ctx context.Context, documentID string) (T, int64, error) {
	var doc T

	snap, err := s.store.GetSnapshot(ctx, s.kind, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, 0, nil
	}
	if err != nil {
		return doc, 0, fmt.Errorf("load snapshot %s/%s: %w", s.kind, documentID, err)
	}

	if err := json.Unmarshal(snap.Document, &doc); err != nil {
		return doc, 0, fmt.Errorf("unmarshal snapshot %s/%s: %w", s.kind, documentID, err)
	}
	return doc, snap.Version, nil
}

// Save persists the document at the new version. expectedVersion is the
// version returned by Load; 0 inserts, anything else updates with an
// optimistic check. Returns store.ErrConcurrencyConflict when another writer
// saved first.
func (s *Store[T]) Save(ctx context.Context, documentID string, doc T, expectedVersion, newVersion int64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s/%s: %w", s.kind, documentID, err)
	}

	snap := &model.Snapshot{
		Kind:       s.kind,
		DocumentID: documentID,
		Document:   raw,
		Version:    newVersion,
	}

	if expectedVersion == 0 {
		return s.store.InsertSnapshot(ctx, snap)
	}
	return s.store.UpdateSnapshot(ctx, snap, expectedVersion)
}
