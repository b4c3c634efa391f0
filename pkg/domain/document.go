package domain

import (
	"encoding/json"
	"fmt"
)

// MergeDocuments applies patch on top of base, field by field. Nested JSON
// objects are merged recursively; scalars, arrays and explicit nulls in the
// patch replace the base value. Fields absent from the patch are untouched,
// and unknown fields present in either side survive the merge.
func MergeDocuments(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return cloneRaw(patch), nil
	}
	if len(patch) == 0 {
		return cloneRaw(base), nil
	}
	var baseMap, patchMap map[string]any
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("decode base document: %w", err)
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("decode patch document: %w", err)
	}
	merged := mergeMaps(baseMap, patchMap)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	return out, nil
}

func mergeMaps(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		patchChild, patchIsMap := v.(map[string]any)
		baseChild, baseIsMap := out[k].(map[string]any)
		if patchIsMap && baseIsMap {
			out[k] = mergeMaps(baseChild, patchChild)
			continue
		}
		out[k] = v
	}
	return out
}

// SetDocumentField returns doc with one top-level field set, preserving all
// other fields verbatim. Used for tombstone and void markers.
func SetDocumentField(doc json.RawMessage, field string, value any) (json.RawMessage, error) {
	patch, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, err
	}
	return MergeDocuments(doc, patch)
}

// NaturalKey extracts the natural key of a document for the given entity
// type. The empty string means the key field is absent or not a string.
func NaturalKey(entity EntityType, doc json.RawMessage) string {
	var probe map[string]any
	if err := json.Unmarshal(doc, &probe); err != nil {
		return ""
	}
	key, _ := probe[KeyField(entity)].(string)
	return key
}

// KeyField returns the JSON field carrying the natural key for the entity
// type. RelationRecords have no single natural key; their composite key is
// derived by the validator.
func KeyField(entity EntityType) string {
	switch entity {
	case EntityOrganization:
		return "institution_code"
	case EntityPractitioner:
		return "doctor_code"
	case EntityCatalogItem:
		return "item_code"
	case EntityCustomer:
		return "customer_code"
	case EntityTransaction:
		return "order_number"
	default:
		return ""
	}
}
