package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// Fetcher is the extraction collaborator. Credentials and provider API
// calls live behind it; the pipeline only sees normalized usage.
type Fetcher interface {
	FetchUsage(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) ([]model.UsageRecord, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) ([]model.UsageRecord, error)

func (f FetcherFunc) FetchUsage(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) ([]model.UsageRecord, error) {
	return f(ctx, tenantID, provider, flow, date)
}

// FetchError is an extraction failure. Transient errors (network, rate
// limit, export not yet delivered) may be retried; permanent ones may not.
type FetchError struct {
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s extraction error: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a transient fetch error.
// Context deadline expiry of a single attempt also counts as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
