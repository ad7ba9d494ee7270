package model

import "encoding/json"

// Snapshot is one row of the generic versioned state store. Many unrelated
// subsystems (apps, schemas, tag indexes, consumer checkpoints) persist their
// folded state here, discriminated by Kind. Version equals the stream offset
// of the last event folded into Document and doubles as the
// optimistic-concurrency token for the next save.
type Snapshot struct {
	Kind       string          `json:"kind"`
	DocumentID string          `json:"document_id"`
	Document   json.RawMessage `json:"document"`
	Version    int64           `json:"version"`
}
