package rating

import (
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
)

// PAYG rates token-metered usage:
// amount = input/1000 * input price + output/1000 * output price.
type PAYG struct{}

func (PAYG) Flow() model.Flow { return model.FlowPAYG }

func (PAYG) Validate(u model.UsageRecord) error {
	if u.Tokens == nil {
		return &UsageError{UsageID: u.ID, Field: "tokens", Reason: "missing token counts"}
	}
	if u.Tokens.InputTokens < 0 {
		return &UsageError{UsageID: u.ID, Field: "input_tokens", Reason: "negative token count"}
	}
	if u.Tokens.OutputTokens < 0 {
		return &UsageError{UsageID: u.ID, Field: "output_tokens", Reason: "negative token count"}
	}
	return nil
}

func (PAYG) Rate(usage []model.UsageRecord, terms model.PriceTerms) (decimal.Decimal, model.CostLineage) {
	var in, out int64
	for _, u := range usage {
		in += u.Tokens.InputTokens
		out += u.Tokens.OutputTokens
	}
	amount := decimal.NewFromInt(in).Shift(thousandShift).Mul(terms.InputPer1K).
		Add(decimal.NewFromInt(out).Shift(thousandShift).Mul(terms.OutputPer1K))
	return amount, model.CostLineage{UsageIDs: usageIDs(usage)}
}
