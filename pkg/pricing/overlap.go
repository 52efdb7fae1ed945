package pricing

import (
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// CheckOverlap returns an *OverlapError when candidate's window intersects
// any record in existing for the same tenant, provider, flow, product and
// tier. Records with the candidate's own ID are ignored so updates pass.
func CheckOverlap(candidate model.PricingRecord, existing []model.PricingRecord) error {
	for _, rec := range existing {
		if rec.ID == candidate.ID ||
			rec.TenantID != candidate.TenantID ||
			rec.Provider != candidate.Provider ||
			rec.Flow != candidate.Flow ||
			rec.ProductKey != candidate.ProductKey ||
			rec.IsOverride != candidate.IsOverride {
			continue
		}
		if windowsOverlap(candidate.EffectiveFrom, candidate.EffectiveTo, rec.EffectiveFrom, rec.EffectiveTo) {
			return &OverlapError{
				TenantID:   candidate.TenantID,
				Provider:   candidate.Provider,
				Flow:       candidate.Flow,
				ProductKey: candidate.ProductKey,
				ExistingID: rec.ID,
				From:       rec.EffectiveFrom,
				To:         rec.EffectiveTo,
			}
		}
	}
	return nil
}

// windowsOverlap reports whether [aFrom, aTo) and [bFrom, bTo) intersect.
// A nil end is unbounded.
func windowsOverlap(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	aBeforeBEnd := bTo == nil || aFrom.Before(*bTo)
	bBeforeAEnd := aTo == nil || bFrom.Before(*aTo)
	return aBeforeBEnd && bBeforeAEnd
}
