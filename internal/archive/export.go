// Package archive ships the event log to cold storage: batches of commits
// are exported as JSONL objects keyed by position range, behind a consumer
// checkpoint, so the live table can be trimmed without losing history.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/groblegark/contentd/internal/model"
)

// header is the first JSONL record of an archive object.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	FromPosition int64     `json:"from_position"` // exclusive
	ToPosition   int64     `json:"to_position"`   // inclusive
	CommitCount  int       `json:"commit_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes one batch of commits as JSONL to w. Commits must be in
// position order within (fromPosition, toPosition].
func ExportJSONL(commits []*model.EventCommit, fromPosition, toPosition int64, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    time.Now().UTC(),
		FromPosition: fromPosition,
		ToPosition:   toPosition,
		CommitCount:  len(commits),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, c := range commits {
		if err := enc.Encode(record{Type: "commit", Data: c}); err != nil {
			return fmt.Errorf("encode commit %s: %w", c.ID, err)
		}
	}

	return nil
}
