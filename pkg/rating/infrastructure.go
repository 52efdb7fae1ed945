package rating

import (
	"sort"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
)

// Infrastructure rates hourly instances of one instance type:
// amount = sum(instance hours) * hourly rate. Per-instance hours are kept
// in the lineage.
type Infrastructure struct{}

func (Infrastructure) Flow() model.Flow { return model.FlowInfrastructure }

func (Infrastructure) Validate(u model.UsageRecord) error {
	if u.Instance == nil {
		return &UsageError{UsageID: u.ID, Field: "instance", Reason: "missing instance hours"}
	}
	if u.Instance.Hours.IsNegative() {
		return &UsageError{UsageID: u.ID, Field: "hours", Reason: "negative instance hours"}
	}
	return nil
}

func (Infrastructure) Rate(usage []model.UsageRecord, terms model.PriceTerms) (decimal.Decimal, model.CostLineage) {
	hours := decimal.Zero
	perInstance := make(map[string]decimal.Decimal)
	for _, u := range usage {
		hours = hours.Add(u.Instance.Hours)
		perInstance[u.Instance.InstanceID] = perInstance[u.Instance.InstanceID].Add(u.Instance.Hours)
	}

	instances := make([]model.InstanceLineage, 0, len(perInstance))
	for id, h := range perInstance {
		instances = append(instances, model.InstanceLineage{InstanceID: id, Hours: h})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })

	return hours.Mul(terms.HourlyRate), model.CostLineage{
		UsageIDs:  usageIDs(usage),
		Instances: instances,
	}
}
