package domain

// TypeCounts tallies record verdicts for one entity type within a run.
type TypeCounts struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Applied  int `json:"applied"`
}

// StoreOutcome summarizes propagation to one downstream store for a run.
type StoreOutcome struct {
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused,omitempty"`
	LastErr   string `json:"last_error,omitempty"`
	Watermark uint64 `json:"watermark,omitempty"`
}

// ImportReport enumerates per-entity-type record counts, per-store
// propagation outcomes, and terminal batch states for one engine run. It is
// the only result surface exposed to collaborators.
type ImportReport struct {
	Counts  map[EntityType]*TypeCounts  `json:"counts"`
	Stores  map[StoreName]*StoreOutcome `json:"stores"`
	Batches map[string]BatchState       `json:"batches,omitempty"`
	Errors  []ErrorEntry                `json:"errors,omitempty"`
}

// NewImportReport returns an empty report with all counters initialized.
func NewImportReport() *ImportReport {
	counts := make(map[EntityType]*TypeCounts, len(ImportOrder))
	for _, entity := range ImportOrder {
		counts[entity] = &TypeCounts{}
	}
	stores := make(map[StoreName]*StoreOutcome, len(DownstreamStores))
	for _, store := range DownstreamStores {
		stores[store] = &StoreOutcome{}
	}
	return &ImportReport{
		Counts:  counts,
		Stores:  stores,
		Batches: make(map[string]BatchState),
	}
}

// Merge folds other into the report. Used when a run spans several batches.
func (r *ImportReport) Merge(other *ImportReport) {
	if other == nil {
		return
	}
	for entity, c := range other.Counts {
		dst := r.Counts[entity]
		if dst == nil {
			dst = &TypeCounts{}
			r.Counts[entity] = dst
		}
		dst.Accepted += c.Accepted
		dst.Rejected += c.Rejected
		dst.Applied += c.Applied
	}
	for store, o := range other.Stores {
		dst := r.Stores[store]
		if dst == nil {
			dst = &StoreOutcome{}
			r.Stores[store] = dst
		}
		dst.Applied += o.Applied
		dst.Failed += o.Failed
		dst.Paused = dst.Paused || o.Paused
		if o.LastErr != "" {
			dst.LastErr = o.LastErr
		}
		if o.Watermark > dst.Watermark {
			dst.Watermark = o.Watermark
		}
	}
	for id, state := range other.Batches {
		r.Batches[id] = state
	}
	r.Errors = append(r.Errors, other.Errors...)
}
