package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Vector store collections.
const (
	CollectionCustomerProfiles = "customer_profiles"
	CollectionMedicalKnowledge = "medical_knowledge"
)

// graphPayload is the derived graph-store workload for one change set.
type graphPayload struct {
	Vertices []domain.GraphVertex
	Edges    []domain.GraphEdge
}

// vectorPayload is the derived vector-store workload: points to upsert and
// point ids to delete, keyed by collection.
type vectorPayload struct {
	Upserts []domain.VectorPoint
	Deletes map[string][]string
}

func (p graphPayload) empty() bool  { return len(p.Vertices) == 0 && len(p.Edges) == 0 }
func (p vectorPayload) empty() bool { return len(p.Upserts) == 0 && len(p.Deletes) == 0 }

// deriveGraph projects a change set onto graph vertices and edges.
// Transaction records carry no graph shape; relation records materialize
// only as edges.
func deriveGraph(set domain.ChangeSet) graphPayload {
	var out graphPayload
	for _, change := range set.Changes {
		doc := change.Doc()
		var fields map[string]any
		if doc != nil {
			if err := json.Unmarshal(doc, &fields); err != nil {
				continue
			}
		}
		switch change.Entity {
		case domain.EntityOrganization:
			out.Vertices = append(out.Vertices, domain.GraphVertex{
				Tag: "institution",
				ID:  change.Key,
				Prop: map[string]any{
					"name":   stringField(fields, "name"),
					"type":   stringField(fields, "type"),
					"status": stringField(fields, "status"),
				},
			})

		case domain.EntityPractitioner:
			out.Vertices = append(out.Vertices, domain.GraphVertex{
				Tag: "doctor",
				ID:  change.Key,
				Prop: map[string]any{
					"name":  stringField(fields, "name"),
					"title": stringField(fields, "title"),
				},
			})
			if org := stringField(fields, "institution_code"); org != "" {
				out.Edges = append(out.Edges, domain.GraphEdge{
					Type:     "works_at",
					SourceID: change.Key,
					TargetID: org,
				})
			}

		case domain.EntityCatalogItem:
			out.Vertices = append(out.Vertices, domain.GraphVertex{
				Tag: "catalog_item",
				ID:  change.Key,
				Prop: map[string]any{
					"name":     stringField(fields, "name"),
					"kind":     stringField(fields, "kind"),
					"category": stringField(fields, "category"),
				},
			})

		case domain.EntityRelation:
			edge := domain.GraphEdge{
				Type:     strings.ToLower(stringField(fields, "relation")),
				SourceID: stringField(fields, "source_code"),
				TargetID: stringField(fields, "target_code"),
			}
			if weight, ok := fields["weight"].(float64); ok {
				edge.Prop = map[string]any{"weight": weight}
			}
			out.Edges = append(out.Edges, edge)

		case domain.EntityCustomer:
			status := stringField(fields, "status")
			if change.Kind == domain.ChangeTombstoned {
				status = "DELETED"
			}
			var name string
			if person, ok := fields["person"].(map[string]any); ok {
				name = stringField(person, "name")
			}
			out.Vertices = append(out.Vertices, domain.GraphVertex{
				Tag: "customer",
				ID:  change.Key,
				Prop: map[string]any{
					"name":      name,
					"vip_level": stringField(fields, "vip_level"),
					"status":    status,
				},
			})
			if change.Organization != "" {
				out.Edges = append(out.Edges, domain.GraphEdge{
					Type:     "belongs_to",
					SourceID: change.Key,
					TargetID: change.Organization,
				})
			}
		}
	}
	return out
}

// deriveVector projects a change set onto vector points: customer profiles
// and catalog knowledge entries. Tombstoned customers and removed catalog
// items turn into point deletions so stale embeddings never match.
func deriveVector(set domain.ChangeSet) vectorPayload {
	out := vectorPayload{Deletes: make(map[string][]string)}
	for _, change := range set.Changes {
		switch change.Entity {
		case domain.EntityCustomer:
			if change.Kind == domain.ChangeTombstoned {
				out.Deletes[CollectionCustomerProfiles] = append(out.Deletes[CollectionCustomerProfiles], change.Key)
				continue
			}
			doc := change.Doc()
			var fields map[string]any
			if err := json.Unmarshal(doc, &fields); err != nil {
				continue
			}
			out.Upserts = append(out.Upserts, domain.VectorPoint{
				Collection: CollectionCustomerProfiles,
				ID:         change.Key,
				Text:       customerProfileText(fields),
				Payload: map[string]any{
					"customer_code":    change.Key,
					"institution_code": change.Organization,
					"vip_level":        stringField(fields, "vip_level"),
				},
			})

		case domain.EntityCatalogItem:
			if change.Kind == domain.ChangeRemoved {
				out.Deletes[CollectionMedicalKnowledge] = append(out.Deletes[CollectionMedicalKnowledge], change.Key)
				continue
			}
			doc := change.Doc()
			var fields map[string]any
			if err := json.Unmarshal(doc, &fields); err != nil {
				continue
			}
			out.Upserts = append(out.Upserts, domain.VectorPoint{
				Collection: CollectionMedicalKnowledge,
				ID:         change.Key,
				Text:       catalogKnowledgeText(fields),
				Payload: map[string]any{
					"item_code": change.Key,
					"kind":      stringField(fields, "kind"),
					"category":  stringField(fields, "category"),
				},
			})
		}
	}
	if len(out.Deletes) == 0 {
		out.Deletes = nil
	}
	return out
}

// deriveAnalytics projects a change set onto append-only analytics rows:
// dimension upserts plus consumption facts. Voided transactions append a
// compensating row rather than rewriting history.
func deriveAnalytics(set domain.ChangeSet) []domain.AnalyticsRow {
	var rows []domain.AnalyticsRow
	for _, change := range set.Changes {
		doc := change.Doc()
		var fields map[string]any
		if doc != nil {
			if err := json.Unmarshal(doc, &fields); err != nil {
				continue
			}
		}
		switch change.Entity {
		case domain.EntityOrganization:
			rows = append(rows, domain.AnalyticsRow{Table: "dim_institution", Values: map[string]any{
				"institution_code": change.Key,
				"name":             stringField(fields, "name"),
				"type":             stringField(fields, "type"),
			}})
		case domain.EntityPractitioner:
			rows = append(rows, domain.AnalyticsRow{Table: "dim_doctor", Values: map[string]any{
				"doctor_code":      change.Key,
				"name":             stringField(fields, "name"),
				"institution_code": stringField(fields, "institution_code"),
				"title":            stringField(fields, "title"),
			}})
		case domain.EntityCatalogItem:
			price, _ := fields["price"].(float64)
			rows = append(rows, domain.AnalyticsRow{Table: "dim_item", Values: map[string]any{
				"item_code": change.Key,
				"name":      stringField(fields, "name"),
				"kind":      stringField(fields, "kind"),
				"category":  stringField(fields, "category"),
				"price":     price,
			}})
		case domain.EntityCustomer:
			deleted := change.Kind == domain.ChangeTombstoned
			var name string
			if person, ok := fields["person"].(map[string]any); ok {
				name = stringField(person, "name")
			}
			rows = append(rows, domain.AnalyticsRow{Table: "dim_customer", Values: map[string]any{
				"customer_code":    change.Key,
				"institution_code": change.Organization,
				"name":             name,
				"vip_level":        stringField(fields, "vip_level"),
				"deleted":          deleted,
			}})
		case domain.EntityTransaction:
			rows = append(rows, factRows(change, fields)...)
		}
	}
	return rows
}

// factRows flattens a transaction record into one fact row per line item,
// or a single itemless row when no line items were supplied.
func factRows(change domain.Change, fields map[string]any) []domain.AnalyticsRow {
	voided := change.Kind == domain.ChangeVoided
	base := map[string]any{
		"order_number":     change.Key,
		"institution_code": change.Organization,
		"customer_code":    stringField(fields, "customer_code"),
		"doctor_code":      stringField(fields, "doctor_code"),
		"order_date":       stringField(fields, "order_date"),
		"voided":           voided,
	}
	items, _ := fields["items"].([]any)
	if len(items) == 0 {
		amount, _ := fields["actual_amount"].(float64)
		row := cloneValues(base)
		row["amount"] = amount
		return []domain.AnalyticsRow{{Table: "fact_consumption", Values: row}}
	}
	rows := make([]domain.AnalyticsRow, 0, len(items))
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		qty, _ := item["quantity"].(float64)
		amount, _ := item["actual_price"].(float64)
		row := cloneValues(base)
		row["item_code"] = stringField(item, "item_code")
		row["quantity"] = int(qty)
		row["amount"] = amount
		rows = append(rows, domain.AnalyticsRow{Table: "fact_consumption", Values: row})
	}
	return rows
}

// customerProfileText renders the natural-language profile the embedding is
// computed from.
func customerProfileText(fields map[string]any) string {
	var parts []string
	if person, ok := fields["person"].(map[string]any); ok {
		if name := stringField(person, "name"); name != "" {
			parts = append(parts, name)
		}
		if gender := stringField(person, "gender"); gender != "" {
			parts = append(parts, gender)
		}
	}
	if vip := stringField(fields, "vip_level"); vip != "" {
		parts = append(parts, fmt.Sprintf("vip:%s", vip))
	}
	if tags, ok := fields["tags"].([]any); ok {
		for _, t := range tags {
			if tag, ok := t.(string); ok {
				parts = append(parts, tag)
			}
		}
	}
	if notes := stringField(fields, "notes"); notes != "" {
		parts = append(parts, notes)
	}
	return strings.Join(parts, " ")
}

func catalogKnowledgeText(fields map[string]any) string {
	var parts []string
	for _, field := range []string{"name", "category", "body_part", "indications", "contraindications", "description"} {
		if v := stringField(fields, field); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func cloneValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+3)
	for k, v := range values {
		out[k] = v
	}
	return out
}
