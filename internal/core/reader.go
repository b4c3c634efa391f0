// Package core implements the multi-store synchronization engine: batch
// reading and validation, dependency-ordered loading, partition management,
// operation application against the primary store, and propagation of
// committed changes to the derived stores.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Batch is one parsed batch file: either a full dump of a single entity
// type, or an incremental operation envelope. Records stay raw so unknown
// fields survive the pipeline.
type Batch struct {
	ID           string
	Path         string
	Mode         domain.BatchMode
	Entity       domain.EntityType
	Operation    domain.OperationKind
	Organization string
	Timestamp    time.Time
	Records      []json.RawMessage
}

// entityFiles maps batch file stems to entity types. Catalog files carry
// their kind so the reader can normalize project_code/product_code keys.
var entityFiles = map[string]struct {
	entity domain.EntityType
	kind   domain.CatalogKind
}{
	"institutions":        {entity: domain.EntityOrganization},
	"doctors":             {entity: domain.EntityPractitioner},
	"projects":            {entity: domain.EntityCatalogItem, kind: domain.CatalogProject},
	"products":            {entity: domain.EntityCatalogItem, kind: domain.CatalogProduct},
	"medical_relations":   {entity: domain.EntityRelation},
	"customers":           {entity: domain.EntityCustomer},
	"consumption_records": {entity: domain.EntityTransaction},
}

var suffixOps = map[string]domain.OperationKind{
	"_add":    domain.OpInsert,
	"_update": domain.OpUpdate,
	"_delete": domain.OpDelete,
}

// ReadBatch loads and classifies a batch file. Full mode requires a bare
// JSON array of one entity type; incremental mode accepts an operation
// envelope or a bare array in a file named with an _add/_update/_delete
// suffix. Parsing is pure: no state is touched.
func ReadBatch(path string, mode domain.BatchMode) (*Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.MalformedBatchError{Path: path, Reason: err.Error()}
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	op := domain.OperationKind("")
	for suffix, kind := range suffixOps {
		if strings.HasSuffix(stem, suffix) {
			stem = strings.TrimSuffix(stem, suffix)
			op = kind
			break
		}
	}
	spec, known := entityFiles[stem]

	batch := &Batch{
		ID:   uuid.NewString(),
		Path: path,
		Mode: mode,
	}

	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var records []json.RawMessage
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, domain.MalformedBatchError{Path: path, Reason: fmt.Sprintf("invalid JSON array: %v", err)}
		}
		if !known {
			return nil, domain.MalformedBatchError{Path: path, Reason: fmt.Sprintf("unrecognized batch file %q", filepath.Base(path))}
		}
		if mode == domain.ModeIncremental && op == "" {
			return nil, domain.MalformedBatchError{Path: path, Reason: "bare array without operation suffix in incremental mode"}
		}
		batch.Entity = spec.entity
		batch.Operation = op
		batch.Records = normalizeCatalog(records, spec.kind)
		batch.Organization = organizationFromRecords(spec.entity, batch.Records)
		return batch, nil

	case strings.HasPrefix(trimmed, "{"):
		if mode != domain.ModeIncremental {
			return nil, domain.MalformedBatchError{Path: path, Reason: "operation envelope in full-mode batch"}
		}
		var envelope domain.OperationEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, domain.MalformedBatchError{Path: path, Reason: fmt.Sprintf("invalid envelope: %v", err)}
		}
		if !envelope.Operation.Valid() {
			return nil, domain.MalformedBatchError{Path: path, Reason: fmt.Sprintf("missing or unknown operation %q", envelope.Operation)}
		}
		if envelope.Timestamp.IsZero() {
			return nil, domain.MalformedBatchError{Path: path, Reason: "missing timestamp"}
		}
		if envelope.Data == nil {
			return nil, domain.MalformedBatchError{Path: path, Reason: "missing data"}
		}
		entity := envelope.EntityType
		if entity == "" && known {
			entity = spec.entity
		}
		if entity == "" {
			return nil, domain.MalformedBatchError{Path: path, Reason: "entity type not declared and not derivable from file name"}
		}
		batch.Entity = entity
		batch.Operation = envelope.Operation
		batch.Timestamp = envelope.Timestamp
		batch.Records = normalizeCatalog(envelope.Data, spec.kind)
		batch.Organization = envelope.OrganizationCode
		if batch.Organization == "" {
			batch.Organization = organizationFromRecords(entity, batch.Records)
		}
		return batch, nil

	default:
		return nil, domain.MalformedBatchError{Path: path, Reason: "not a JSON array or object"}
	}
}

// normalizeCatalog rewrites legacy project_code/product_code keys to the
// unified item_code and stamps the catalog kind. Other entity types pass
// through untouched.
func normalizeCatalog(records []json.RawMessage, kind domain.CatalogKind) []json.RawMessage {
	if kind == "" {
		return records
	}
	legacy := "project_code"
	if kind == domain.CatalogProduct {
		legacy = "product_code"
	}
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		var probe map[string]any
		if err := json.Unmarshal(rec, &probe); err != nil {
			out = append(out, rec)
			continue
		}
		patch := map[string]any{"kind": string(kind)}
		if _, ok := probe["item_code"]; !ok {
			if code, ok := probe[legacy].(string); ok {
				patch["item_code"] = code
			}
		}
		merged, err := domain.MergeDocuments(rec, mustMarshal(patch))
		if err != nil {
			out = append(out, rec)
			continue
		}
		out = append(out, merged)
	}
	return out
}

// organizationFromRecords derives the batch's organization scope from the
// first record that carries a scoped code.
func organizationFromRecords(entity domain.EntityType, records []json.RawMessage) string {
	for _, rec := range records {
		var probe map[string]any
		if err := json.Unmarshal(rec, &probe); err != nil {
			continue
		}
		switch entity {
		case domain.EntityCustomer:
			if code, ok := probe["customer_code"].(string); ok {
				if org := domain.OrganizationFromCustomerCode(code); org != "" {
					return org
				}
			}
		case domain.EntityTransaction:
			if order, ok := probe["order_number"].(string); ok {
				if org := domain.OrganizationFromOrderNumber(order); org != "" {
					return org
				}
			}
		default:
			return ""
		}
	}
	return ""
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
