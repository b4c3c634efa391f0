package core

import (
	"sort"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Group is one unit of atomic application: all accepted records of a
// single entity type, organization scope and operation, applied in one
// primary-store transaction.
type Group struct {
	Entity       domain.EntityType
	Organization string
	Operation    domain.OperationKind
	Mode         domain.BatchMode
	BatchID      string
	Records      []Record
}

// entityRank positions an entity type in the fixed dependency order.
func entityRank(entity domain.EntityType) int {
	for i, e := range domain.ImportOrder {
		if e == entity {
			return i
		}
	}
	return len(domain.ImportOrder)
}

// StageGroups validates every batch and arranges the accepted records
// into application groups ordered so referenced entity types always
// precede referencing ones. Records sharing a batch but scoped to
// different organizations split into separate groups, each eligible for
// independent application.
func StageGroups(batches []*Batch) ([]Group, []domain.ValidationError) {
	var rejects []domain.ValidationError
	byScope := make(map[string]*Group)
	var order []string

	for _, batch := range batches {
		accepted, bad := ValidateBatch(batch)
		rejects = append(rejects, bad...)
		for _, rec := range accepted {
			scope := string(batch.Entity) + "|" + rec.Organization + "|" + string(batch.Operation)
			group, ok := byScope[scope]
			if !ok {
				group = &Group{
					Entity:       batch.Entity,
					Organization: rec.Organization,
					Operation:    batch.Operation,
					Mode:         batch.Mode,
					BatchID:      batch.ID,
				}
				byScope[scope] = group
				order = append(order, scope)
			}
			group.Records = append(group.Records, rec)
		}
	}

	groups := make([]Group, 0, len(order))
	for _, scope := range order {
		groups = append(groups, *byScope[scope])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		ri, rj := entityRank(groups[i].Entity), entityRank(groups[j].Entity)
		if ri != rj {
			return ri < rj
		}
		return groups[i].Organization < groups[j].Organization
	})
	return groups, rejects
}
