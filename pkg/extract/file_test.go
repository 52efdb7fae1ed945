package extract_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/extract"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func writeDrop(t *testing.T, f *extract.FileFetcher, provider string, flow model.Flow, body string) {
	t.Helper()
	path := f.Path("acme", provider, flow, day)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFileFetcher_PAYG(t *testing.T) {
	var logs bytes.Buffer
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&logs, nil)))
	writeDrop(t, f, "openai", model.FlowPAYG, `{"id":"u1","product_key":"gpt-4o","input_tokens":2000,"output_tokens":1000}
not json at all

{"product_key":"gpt-4o-mini","prompt":"Hello world","completion":"Hi"}
{"id":"u3","product_key":"gpt-4o","input_tokens":"many"}
`)

	records, err := f.FetchUsage(context.Background(), "acme", "openai", model.FlowPAYG, day)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "u1", records[0].ID)
	require.NotNil(t, records[0].Tokens)
	assert.Equal(t, int64(2000), records[0].Tokens.InputTokens)
	assert.Equal(t, int64(1000), records[0].Tokens.OutputTokens)
	assert.Equal(t, "tokens", records[0].Unit)
	assert.Equal(t, day, records[0].UsageDate)
	assert.Equal(t, model.FlowPAYG, records[0].Flow)

	// Text-only lines get counted and a stable generated ID.
	assert.NotEmpty(t, records[1].ID)
	require.NotNil(t, records[1].Tokens)
	assert.Greater(t, records[1].Tokens.InputTokens, int64(0))
	assert.Greater(t, records[1].Tokens.OutputTokens, int64(0))

	again, err := f.FetchUsage(context.Background(), "acme", "openai", model.FlowPAYG, day)
	require.NoError(t, err)
	assert.Equal(t, records[1].ID, again[1].ID)

	assert.Contains(t, logs.String(), "skipping malformed usage line")
}

func TestFileFetcher_OversizedLineIsSkipped(t *testing.T) {
	var logs bytes.Buffer
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&logs, nil)))

	huge := `{"id":"big","product_key":"gpt-4o","prompt":"` + strings.Repeat("a", 2<<20) + `"}`
	writeDrop(t, f, "openai", model.FlowPAYG,
		`{"id":"u1","product_key":"gpt-4o","input_tokens":10,"output_tokens":5}`+"\n"+
			huge+"\n"+
			`{"id":"u2","product_key":"gpt-4o","input_tokens":20,"output_tokens":0}`+"\n"+
			huge)

	records, err := f.FetchUsage(context.Background(), "acme", "openai", model.FlowPAYG, day)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0].ID)
	assert.Equal(t, "u2", records[1].ID)

	assert.Equal(t, 2, strings.Count(logs.String(), "skipping malformed usage line"))
	assert.Contains(t, logs.String(), "line=2")
	assert.Contains(t, logs.String(), "line=4")
}

func TestFileFetcher_CapturedResponses(t *testing.T) {
	var logs bytes.Buffer
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&logs, nil)))
	writeDrop(t, f, "openai", model.FlowPAYG,
		`{"id":"r1","response":{"model":"gpt-4o-2024-08-06","usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}}`+"\n"+
			`{"id":"r2","product_key":"gpt-4o","response":{"model":"gpt-4o-2024-08-06","usage":{"prompt_tokens":5,"completion_tokens":1}}}`+"\n"+
			`{"id":"r3","response":{"model":"gpt-4o"}}`+"\n")
	writeDrop(t, f, "anthropic", model.FlowPAYG,
		`{"id":"a1","response":{"model":"claude-sonnet-4","usage":{"input_tokens":200,"output_tokens":50}}}`+"\n")

	records, err := f.FetchUsage(context.Background(), "acme", "openai", model.FlowPAYG, day)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "gpt-4o-2024-08-06", records[0].ProductKey)
	assert.Equal(t, &model.TokenUsage{InputTokens: 120, OutputTokens: 30}, records[0].Tokens)
	assert.Equal(t, "gpt-4o", records[1].ProductKey, "explicit product key wins")
	assert.Contains(t, logs.String(), "no usage block")

	records, err = f.FetchUsage(context.Background(), "acme", "anthropic", model.FlowPAYG, day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "claude-sonnet-4", records[0].ProductKey)
	assert.Equal(t, &model.TokenUsage{InputTokens: 200, OutputTokens: 50}, records[0].Tokens)
}

func TestFileFetcher_CommitmentAndInfrastructure(t *testing.T) {
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	writeDrop(t, f, "azure", model.FlowCommitment,
		`{"id":"c1","product_key":"ptu-gpt-4o","capacity_units":50,"active_hours":"12.5"}`+"\n")
	writeDrop(t, f, "azure", model.FlowInfrastructure,
		`{"id":"i1","product_key":"nc24","instance_id":"vm-a","hours":4}`+"\n"+
			`{"id":"i2","product_key":"nc24","hours":1}`+"\n")

	commit, err := f.FetchUsage(context.Background(), "acme", "azure", model.FlowCommitment, day)
	require.NoError(t, err)
	require.Len(t, commit, 1)
	require.NotNil(t, commit[0].Capacity)
	assert.True(t, decimal.NewFromInt(50).Equal(commit[0].Capacity.CapacityUnits))
	assert.True(t, decimal.RequireFromString("12.5").Equal(commit[0].Capacity.ActiveHours))

	infra, err := f.FetchUsage(context.Background(), "acme", "azure", model.FlowInfrastructure, day)
	require.NoError(t, err)
	require.Len(t, infra, 2)
	assert.Equal(t, "vm-a", infra[0].Instance.InstanceID)
	assert.Equal(t, "i2", infra[1].Instance.InstanceID)
}

func TestFileFetcher_MissingDropIsTransient(t *testing.T) {
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	_, err := f.FetchUsage(context.Background(), "acme", "openai", model.FlowPAYG, day)
	require.Error(t, err)
	assert.True(t, extract.IsTransient(err))
}

func TestFileFetcher_InvalidSegmentIsPermanent(t *testing.T) {
	f := extract.NewFileFetcher(t.TempDir(), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	_, err := f.FetchUsage(context.Background(), "../etc", "openai", model.FlowPAYG, day)
	require.Error(t, err)
	assert.False(t, extract.IsTransient(err))

	var fe *extract.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, extract.IsTransient(&extract.FetchError{Transient: true, Err: errors.New("429")}))
	assert.False(t, extract.IsTransient(&extract.FetchError{Err: errors.New("bad schema")}))
	assert.True(t, extract.IsTransient(context.DeadlineExceeded))
	assert.False(t, extract.IsTransient(errors.New("boom")))
}

func TestFetcherFunc(t *testing.T) {
	var f extract.Fetcher = extract.FetcherFunc(func(_ context.Context, tenant, provider string, flow model.Flow, date time.Time) ([]model.UsageRecord, error) {
		return []model.UsageRecord{{ID: tenant + provider + string(flow)}}, nil
	})
	got, err := f.FetchUsage(context.Background(), "a", "b", model.FlowPAYG, day)
	require.NoError(t, err)
	assert.Equal(t, "abpayg", got[0].ID)
}
