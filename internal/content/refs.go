package content

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Schema describes a content schema as far as this core needs it: which
// fields hold references to other content items. Schemas are persisted in
// the snapshot store under SchemaSnapshotKind, keyed by schema name.
type Schema struct {
	Name            string   `json:"name"`
	ReferenceFields []string `json:"reference_fields,omitempty"`
}

// SchemaSnapshotKind is the snapshot-store discriminator for schemas.
const SchemaSnapshotKind = "schema"

// ExtractReferences collects the content ids referenced by the declared
// reference fields of a data document. A reference field holds either a
// single id string or an array of id strings; anything unparsable is
// skipped. The result is deduplicated.
func ExtractReferences(data json.RawMessage, refFields []string) []uuid.UUID {
	if len(data) == 0 || len(refFields) == 0 {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	seen := make(map[uuid.UUID]struct{})
	var refs []uuid.UUID

	add := func(v any) {
		s, ok := v.(string)
		if !ok {
			return
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}

	for _, field := range refFields {
		switch v := doc[field].(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				add(item)
			}
		}
	}

	return refs
}
