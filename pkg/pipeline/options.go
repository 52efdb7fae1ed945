package pipeline

import (
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

// Options tunes the coordinator.
type Options struct {
	// Workers bounds concurrently executing tasks.
	Workers int

	// MaxAttempts bounds extraction attempts per rating task.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// TaskTimeout is the deadline of one task; FetchTimeout of one
	// extraction attempt. Zero disables.
	TaskTimeout  time.Duration
	FetchTimeout time.Duration

	// UnpricedThreshold is the share of excluded usage above which a run
	// is PARTIAL instead of SUCCEEDED.
	UnpricedThreshold float64

	// BarrierTimeout is how long consolidation waits for rating runs to
	// reach a terminal state. Zero checks once.
	BarrierTimeout      time.Duration
	BarrierPollInterval time.Duration

	// RequiredFlows must each have a rating run for the date before
	// consolidation proceeds.
	RequiredFlows []model.Flow
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		Workers:             4,
		MaxAttempts:         3,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
		TaskTimeout:         10 * time.Minute,
		FetchTimeout:        2 * time.Minute,
		UnpricedThreshold:   0,
		BarrierTimeout:      30 * time.Minute,
		BarrierPollInterval: 5 * time.Second,
		RequiredFlows:       append([]model.Flow(nil), model.Flows...),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.BarrierPollInterval <= 0 {
		o.BarrierPollInterval = d.BarrierPollInterval
	}
	return o
}
