package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// ErrNotFound matches every *NotFoundError via errors.Is.
var ErrNotFound = errors.New("pricing not found")

// ErrInvalidQuery is returned for queries missing a field or carrying a
// non-calendar date.
var ErrInvalidQuery = errors.New("invalid pricing query")

// NotFoundError reports that neither an override nor a catalog price covers
// the query. It is deterministic and must never be retried.
type NotFoundError struct {
	Query Query
}

func (e *NotFoundError) Error() string {
	q := e.Query
	return fmt.Sprintf("pricing not found for tenant=%s provider=%s flow=%s product=%s as_of=%s",
		q.TenantID, q.Provider, q.Flow, q.ProductKey, model.FormatDate(q.AsOf))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OverlapError reports two override windows for the same product that
// share at least one day.
type OverlapError struct {
	TenantID   string
	Provider   string
	Flow       model.Flow
	ProductKey string
	ExistingID string
	From       time.Time
	To         *time.Time
}

func (e *OverlapError) Error() string {
	to := "open"
	if e.To != nil {
		to = model.FormatDate(*e.To)
	}
	return fmt.Sprintf("override for tenant=%s provider=%s flow=%s product=%s overlaps %s (window %s..%s)",
		e.TenantID, e.Provider, e.Flow, e.ProductKey, e.ExistingID, model.FormatDate(e.From), to)
}
