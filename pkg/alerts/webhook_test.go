package alerts_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/alerts"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failedRun = alerts.Alert{
	Level:    alerts.AlertCritical,
	RunID:    "run-7",
	Kind:     model.RunKindConsolidation,
	TenantID: "acme",
	Date:     "2025-01-15",
	Status:   model.RunFailed,
}

func TestWebhookNotifier_Name(t *testing.T) {
	n := alerts.NewWebhookNotifier("https://example.com/webhook", "")
	assert.Equal(t, "webhook", n.Name())
}

func TestWebhookNotifier_Send(t *testing.T) {
	var received map[string]any
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "")
	require.NoError(t, n.Send(context.Background(), failedRun))

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "genai-cost-ledger/1.0", headers.Get("User-Agent"))
	assert.Equal(t, "run.failed", headers.Get(alerts.HeaderEvent))
	assert.Equal(t, "run-7", headers.Get(alerts.HeaderRunID))
	assert.NotEmpty(t, headers.Get(alerts.HeaderTimestamp))
	assert.Empty(t, headers.Get(alerts.HeaderSignature))

	assert.Equal(t, "run.failed", received["type"])
	assert.Equal(t, headers.Get(alerts.HeaderDelivery), received["delivery_id"])
	assert.NotEmpty(t, received["occurred_at"])

	run := received["run"].(map[string]any)
	assert.Equal(t, "run-7", run["run_id"])
	assert.Equal(t, "FAILED", run["status"])
	assert.Equal(t, "consolidation", run["kind"])
}

func TestWebhookNotifier_Send_Signed(t *testing.T) {
	var signature, timestamp string
	var payload []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(alerts.HeaderSignature)
		timestamp = r.Header.Get(alerts.HeaderTimestamp)
		payload, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "test-secret")
	require.NoError(t, n.Send(context.Background(), failedRun))

	assert.Equal(t, "sha256="+alerts.Sign("test-secret", timestamp, payload), signature)
	assert.NotEqual(t, "sha256="+alerts.Sign("other-secret", timestamp, payload), signature)
}

func TestWebhookNotifier_Send_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	deliveries := make(map[string]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveries[r.Header.Get(alerts.HeaderDelivery)] = true
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "").WithRetry(3, time.Millisecond)
	require.NoError(t, n.Send(context.Background(), failedRun))
	assert.Equal(t, int32(3), calls.Load())
	// Retries reuse the delivery id.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, deliveries, 1)
}

func TestWebhookNotifier_Send_ServerErrorExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "").WithRetry(2, time.Millisecond)
	err := n.Send(context.Background(), failedRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_Send_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "").WithRetry(3, time.Millisecond)
	err := n.Send(context.Background(), failedRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}
