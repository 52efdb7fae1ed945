package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-Costledger-Event"
	HeaderRunID     = "X-Costledger-Run-ID"
	HeaderDelivery  = "X-Costledger-Delivery"
	HeaderTimestamp = "X-Costledger-Timestamp"
	HeaderSignature = "X-Costledger-Signature"
)

// WebhookNotifier delivers run events to a generic HTTP endpoint. With a
// secret, each delivery is signed with HMAC-SHA256 over
// "<timestamp>.<body>". Transport errors, 429 and 5xx are retried.
type WebhookNotifier struct {
	url      string
	secret   string
	client   *http.Client
	attempts uint
	initial  time.Duration
	now      func() time.Time
}

// NewWebhookNotifier creates a webhook notifier making up to 3 attempts.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		initial:  500 * time.Millisecond,
		now:      time.Now,
	}
}

// WithRetry sets the attempt bound and the first retry delay.
func (w *WebhookNotifier) WithRetry(attempts int, initial time.Duration) *WebhookNotifier {
	if attempts < 1 {
		attempts = 1
	}
	w.attempts = uint(attempts)
	w.initial = initial
	return w
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// runEvent is the JSON body of a delivery.
type runEvent struct {
	Type       string `json:"type"`
	DeliveryID string `json:"delivery_id"`
	OccurredAt string `json:"occurred_at"`
	Run        Alert  `json:"run"`
}

// EventType names the event for a run alert, e.g. "run.failed".
func EventType(alert Alert) string {
	return "run." + strings.ToLower(string(alert.Status))
}

// Sign returns the hex signature a receiver should expect.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	now := w.now().UTC()
	event := runEvent{
		Type:       EventType(alert),
		DeliveryID: uuid.NewString(),
		OccurredAt: now.Format(time.RFC3339),
		Run:        alert,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)

	deliver := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("create webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "genai-cost-ledger/1.0")
		req.Header.Set(HeaderEvent, event.Type)
		req.Header.Set(HeaderRunID, alert.RunID)
		req.Header.Set(HeaderDelivery, event.DeliveryID)
		req.Header.Set(HeaderTimestamp, timestamp)
		if w.secret != "" {
			req.Header.Set(HeaderSignature, "sha256="+Sign(w.secret, timestamp, body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	if _, err := backoff.Retry(ctx, deliver, backoff.WithBackOff(b), backoff.WithMaxTries(w.attempts)); err != nil {
		return fmt.Errorf("deliver %s for run %s: %w", event.Type, alert.RunID, err)
	}
	return nil
}
