package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prodimport/importer/internal/logging"
	"github.com/prodimport/importer/internal/store"
)

const userAgent = "ProductImporter-Webhook/1.0"

// maxLoggedBody caps the response body stored per delivery attempt.
const maxLoggedBody = 1000

// Result is the outcome of one delivery attempt.
type Result struct {
	Success        bool
	StatusCode     *int
	ResponseTimeMS *int64
	ResponseBody   string
	Error          string
}

// deliver performs one delivery attempt against the webhook's endpoint,
// appends a delivery log entry, updates the webhook's telemetry, and,
// when scheduleRetry is set and the attempt failed with retry budget
// remaining, enqueues the next attempt with linear backoff.
//
// A webhook that has been deleted, deactivated, or unsubscribed from
// the event since dispatch is skipped without a log entry. The returned
// error is reserved for infrastructure failures (store, queue); an
// endpoint that refuses the request is a recorded outcome, not an
// error.
func (s *Service) deliver(ctx context.Context, webhookID int64, eventType string, payload map[string]any, attempt int, scheduleRetry bool) (*Result, error) {
	logger := logging.WithFields(ctx, "webhook_id", webhookID, "event_type", eventType, "attempt", attempt)

	w, err := s.store.GetWebhook(ctx, webhookID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("webhook gone, skipping delivery")
		return &Result{Error: "webhook not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook %d: %w", webhookID, err)
	}
	if !w.Active || !w.Subscribes(eventType) {
		logger.Info("webhook no longer subscribed, skipping delivery")
		return &Result{Error: "webhook inactive or unsubscribed"}, nil
	}

	res := s.post(ctx, w, eventType, payload, time.Duration(w.TimeoutSec)*time.Second)

	now := time.Now().UTC()
	entry := &store.DeliveryLogEntry{
		WebhookID:      w.ID,
		EventType:      eventType,
		Payload:        payload,
		ResponseCode:   res.StatusCode,
		ResponseBody:   res.ResponseBody,
		ResponseTimeMS: res.ResponseTimeMS,
		ErrorMessage:   res.Error,
		RetryAttempt:   attempt,
		Success:        res.Success,
		CreatedAt:      now,
	}
	if err := s.store.AppendDeliveryLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("append delivery log: %w", err)
	}
	if err := s.store.RecordDelivery(ctx, w.ID, res.StatusCode, res.ResponseTimeMS, now); err != nil {
		return nil, fmt.Errorf("record delivery telemetry: %w", err)
	}

	if res.Success {
		logger.Info("webhook delivered",
			"status", *res.StatusCode,
			"response_time_ms", *res.ResponseTimeMS,
		)
		return res, nil
	}

	logger.Warn("webhook delivery failed", "error", res.Error, "status", res.StatusCode)
	if scheduleRetry && attempt < w.RetryCount {
		delay := s.retryBase * time.Duration(attempt+1)
		if err := s.enqueueDelivery(ctx, w.ID, eventType, payload, attempt+1, time.Now().UTC().Add(delay)); err != nil {
			return nil, err
		}
		logger.Info("webhook retry scheduled", "next_attempt", attempt+1, "delay", delay.String())
	}
	return res, nil
}

// post performs the HTTP exchange for one attempt.
func (s *Service) post(ctx context.Context, w *store.Webhook, eventType string, payload map[string]any, timeout time.Duration) *Result {
	body, err := encodeBody(payload)
	if err != nil {
		return &Result{Error: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return &Result{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", eventType)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	// Signed last so a custom header cannot shadow the real signature.
	if w.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(w.Secret, body))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %d seconds", int(timeout.Seconds()))
		}
		return &Result{ResponseTimeMS: &elapsed, Error: msg}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody+1))
	if len(respBody) > maxLoggedBody {
		respBody = respBody[:maxLoggedBody]
	}

	res := &Result{
		StatusCode:     &resp.StatusCode,
		ResponseTimeMS: &elapsed,
		ResponseBody:   string(respBody),
		Success:        resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !res.Success {
		res.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return res
}

// Test sends one event through the regular delivery path, synchronously
// and without scheduling retries. The event type must be one the
// webhook subscribes to; a nil payload gets a default test body. The
// attempt runs under a deadline so an unresponsive endpoint cannot
// hold the caller past the ceiling.
func (s *Service) Test(ctx context.Context, webhookID int64, eventType string, payload map[string]any) (*Result, error) {
	w, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if !w.Subscribes(eventType) {
		return nil, fmt.Errorf("webhook doesn't handle event type: %s", eventType)
	}

	if payload == nil {
		payload = map[string]any{
			"event_type": eventType,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"test":       true,
			"data":       map[string]any{"message": "This is a test webhook"},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.testTimeout)
	defer cancel()
	return s.deliver(ctx, webhookID, eventType, payload, 0, false)
}
