package core

import (
	"encoding/json"
	"fmt"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Record is one accepted batch record: its scope, natural key, and raw
// document as admitted into the pipeline.
type Record struct {
	Entity       domain.EntityType
	Organization string
	Key          string
	Doc          json.RawMessage
}

// ValidateBatch checks every record of a batch and splits the verdicts:
// accepted typed records proceed, rejects are reported with a field-level
// reason. A bad record never aborts its siblings. Unknown fields pass
// through untouched because documents stay raw.
func ValidateBatch(batch *Batch) (accepted []Record, rejects []domain.ValidationError) {
	for _, raw := range batch.Records {
		rec, err := validateRecord(batch, raw)
		if err != nil {
			rejects = append(rejects, *err)
			continue
		}
		accepted = append(accepted, rec)
	}
	return accepted, rejects
}

func validateRecord(batch *Batch, raw json.RawMessage) (Record, *domain.ValidationError) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, &domain.ValidationError{Entity: batch.Entity, Reason: fmt.Sprintf("record is not an object: %v", err)}
	}

	key, verr := recordKey(batch.Entity, fields)
	if verr != nil {
		return Record{}, verr
	}

	org := batch.Organization
	switch batch.Entity {
	case domain.EntityCustomer:
		derived := domain.OrganizationFromCustomerCode(key)
		if derived == "" && org == "" {
			return Record{}, &domain.ValidationError{Entity: batch.Entity, Key: key, Field: "customer_code", Reason: "organization scope not derivable"}
		}
		if org == "" {
			org = derived
		} else if derived != "" && derived != org {
			return Record{}, &domain.ValidationError{Entity: batch.Entity, Key: key, Field: "customer_code", Reason: fmt.Sprintf("code belongs to %s, batch is scoped to %s", derived, org)}
		}
	case domain.EntityTransaction:
		derived := domain.OrganizationFromOrderNumber(key)
		if derived == "" && org == "" {
			return Record{}, &domain.ValidationError{Entity: batch.Entity, Key: key, Field: "order_number", Reason: "organization scope not derivable"}
		}
		if org == "" {
			org = derived
		} else if derived != "" && derived != org {
			return Record{}, &domain.ValidationError{Entity: batch.Entity, Key: key, Field: "order_number", Reason: fmt.Sprintf("order belongs to %s, batch is scoped to %s", derived, org)}
		}
	default:
		org = ""
	}

	// Structural checks apply to full records; patches and bare
	// identifiers only need their key plus well-formed supplied fields.
	if batch.Operation == domain.OpUpdate || batch.Operation == domain.OpDelete {
		return Record{Entity: batch.Entity, Organization: org, Key: key, Doc: raw}, nil
	}

	if verr := validateShape(batch.Entity, key, fields); verr != nil {
		return Record{}, verr
	}
	return Record{Entity: batch.Entity, Organization: org, Key: key, Doc: raw}, nil
}

func recordKey(entity domain.EntityType, fields map[string]any) (string, *domain.ValidationError) {
	if entity == domain.EntityRelation {
		source, _ := fields["source_code"].(string)
		target, _ := fields["target_code"].(string)
		if source == "" || target == "" {
			return "", &domain.ValidationError{Entity: entity, Field: "source_code/target_code", Reason: "required"}
		}
		return source + "->" + target, nil
	}
	field := domain.KeyField(entity)
	key, _ := fields[field].(string)
	if key == "" {
		return "", &domain.ValidationError{Entity: entity, Field: field, Reason: "required"}
	}
	return key, nil
}

func validateShape(entity domain.EntityType, key string, fields map[string]any) *domain.ValidationError {
	requireString := func(field string) *domain.ValidationError {
		if s, _ := fields[field].(string); s == "" {
			return &domain.ValidationError{Entity: entity, Key: key, Field: field, Reason: "required"}
		}
		return nil
	}

	switch entity {
	case domain.EntityOrganization, domain.EntityPractitioner, domain.EntityCatalogItem:
		return requireString("name")

	case domain.EntityRelation:
		if s, _ := fields["relation"].(string); s == "" {
			return &domain.ValidationError{Entity: entity, Key: key, Field: "relation", Reason: "required"}
		}
		return nil

	case domain.EntityCustomer:
		person, ok := fields["person"].(map[string]any)
		if !ok {
			return &domain.ValidationError{Entity: entity, Key: key, Field: "person", Reason: "required object"}
		}
		if name, _ := person["name"].(string); name == "" {
			return &domain.ValidationError{Entity: entity, Key: key, Field: "person.name", Reason: "required"}
		}
		return nil

	case domain.EntityTransaction:
		if verr := requireString("customer_code"); verr != nil {
			return verr
		}
		items, _ := fields["items"].([]any)
		for i, it := range items {
			item, ok := it.(map[string]any)
			if !ok {
				return &domain.ValidationError{Entity: entity, Key: key, Field: fmt.Sprintf("items[%d]", i), Reason: "not an object"}
			}
			if qty, _ := item["quantity"].(float64); qty <= 0 {
				return &domain.ValidationError{Entity: entity, Key: key, Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
			}
			if price, _ := item["unit_price"].(float64); price < 0 {
				return &domain.ValidationError{Entity: entity, Key: key, Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must not be negative"}
			}
		}
		return nil
	}
	return nil
}
