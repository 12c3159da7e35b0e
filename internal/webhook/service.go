package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prodimport/importer/internal/queue"
	"github.com/prodimport/importer/internal/store"
	"github.com/prodimport/importer/internal/worker"
)

// Registration bounds and defaults.
const (
	defaultRetryCount = 3
	maxRetryCount     = 10
	defaultTimeoutSec = 30
	minTimeoutSec     = 1
	maxTimeoutSec     = 300

	// testTimeoutCeiling bounds the synchronous test endpoint so a dead
	// receiver cannot hold an API request open indefinitely.
	testTimeoutCeiling = 30 * time.Second

	// retryBackoffBase spaces retries linearly: attempt n is redelivered
	// after base * (n+1).
	retryBackoffBase = 60 * time.Second

	// deliveryQueueAttempts is the infrastructure attempt budget per
	// queue item. Endpoint-level retries are separate items, so this
	// only covers crashes between dequeue and log append.
	deliveryQueueAttempts = 3
)

// Params carries the registration fields a caller may set. Nil pointer
// fields take the defaults above.
type Params struct {
	Name       string
	URL        string
	EventTypes []string
	Secret     string
	Headers    map[string]string
	RetryCount *int
	TimeoutSec *int
	Active     *bool
}

// Service is the webhook subsystem: registry CRUD, event dispatch, and
// the delivery worker.
type Service struct {
	store  webhookStore
	queue  queue.Queue
	client *http.Client

	retryBase   time.Duration
	testTimeout time.Duration
}

// webhookStore is what the subsystem needs from persistence.
type webhookStore interface {
	store.WebhookStore
	store.DeliveryLogStore
}

// NewService creates the webhook subsystem. client may be nil, in which
// case a default client is used; per-attempt timeouts come from each
// webhook's configuration, not from the client. A non-positive
// retryBackoff takes the default.
func NewService(st webhookStore, q queue.Queue, client *http.Client, retryBackoff time.Duration) *Service {
	if client == nil {
		client = &http.Client{}
	}
	if retryBackoff <= 0 {
		retryBackoff = retryBackoffBase
	}
	return &Service{
		store:       st,
		queue:       q,
		client:      client,
		retryBase:   retryBackoff,
		testTimeout: testTimeoutCeiling,
	}
}

// Create validates and registers a webhook.
func (s *Service) Create(ctx context.Context, p Params) (*store.Webhook, error) {
	w := &store.Webhook{
		Name:       p.Name,
		URL:        p.URL,
		EventTypes: p.EventTypes,
		Secret:     p.Secret,
		Headers:    p.Headers,
		RetryCount: valueOr(p.RetryCount, defaultRetryCount),
		TimeoutSec: valueOr(p.TimeoutSec, defaultTimeoutSec),
		Active:     p.Active == nil || *p.Active,
	}
	if err := validate(w); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := s.store.CreateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

// Update replaces a webhook's configuration. Telemetry fields are
// preserved.
func (s *Service) Update(ctx context.Context, id int64, p Params) (*store.Webhook, error) {
	w, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	w.Name = p.Name
	w.URL = p.URL
	w.EventTypes = p.EventTypes
	w.Secret = p.Secret
	w.Headers = p.Headers
	w.RetryCount = valueOr(p.RetryCount, defaultRetryCount)
	w.TimeoutSec = valueOr(p.TimeoutSec, defaultTimeoutSec)
	if p.Active != nil {
		w.Active = *p.Active
	}
	if err := validate(w); err != nil {
		return nil, err
	}

	w.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Webhook, error) {
	return s.store.GetWebhook(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteWebhook(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*store.Webhook, error) {
	return s.store.ListWebhooks(ctx)
}

// DeliveryLogs returns a webhook's most recent delivery attempts.
func (s *Service) DeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]*store.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDeliveryLogs(ctx, webhookID, limit)
}

func validate(w *store.Webhook) error {
	if w.Name == "" {
		return fmt.Errorf("webhook name is required")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url must be a valid http or https URL")
	}
	if len(w.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, et := range w.EventTypes {
		if !knownEvent(et) {
			return fmt.Errorf("unknown event type %q", et)
		}
	}
	if w.RetryCount < 0 || w.RetryCount > maxRetryCount {
		return fmt.Errorf("retry count must be between 0 and %d", maxRetryCount)
	}
	if w.TimeoutSec < minTimeoutSec || w.TimeoutSec > maxTimeoutSec {
		return fmt.Errorf("timeout must be between %d and %d seconds", minTimeoutSec, maxTimeoutSec)
	}
	return nil
}

func knownEvent(eventType string) bool {
	for _, et := range KnownEvents {
		if et == eventType {
			return true
		}
	}
	return false
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// deliveryTask is the wire shape of a webhook queue item. Attempt is
// the endpoint-level attempt number; each retry is a fresh item.
type deliveryTask struct {
	WebhookID int64          `json:"webhook_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Attempt   int            `json:"attempt"`
}

// Dispatch fans eventType out to every active subscriber, enqueueing
// one delivery task per webhook. It returns the number of webhooks
// triggered. The payload is posted to each endpoint as-is; the event
// type travels in the X-Webhook-Event header, not the body.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]any) (int, error) {
	hooks, err := s.store.ListActiveForEvent(ctx, eventType)
	if err != nil {
		return 0, fmt.Errorf("resolve subscribers for %s: %w", eventType, err)
	}

	triggered := 0
	for _, w := range hooks {
		if err := s.enqueueDelivery(ctx, w.ID, eventType, payload, 0, time.Time{}); err != nil {
			return triggered, err
		}
		triggered++
	}
	return triggered, nil
}

func (s *Service) enqueueDelivery(ctx context.Context, webhookID int64, eventType string, body map[string]any, attempt int, notBefore time.Time) error {
	payload, err := json.Marshal(deliveryTask{
		WebhookID: webhookID,
		EventType: eventType,
		Payload:   body,
		Attempt:   attempt,
	})
	if err != nil {
		return fmt.Errorf("encode delivery task: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.WebhookQueue, payload, notBefore, deliveryQueueAttempts); err != nil {
		return fmt.Errorf("enqueue delivery task: %w", err)
	}
	return nil
}

// DeliveryHandler adapts the deliverer to the worker pool. Delivery
// outcomes, including endpoint failures, are terminal for the item;
// endpoint retries are scheduled as fresh items by the deliverer.
func (s *Service) DeliveryHandler() worker.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		var task deliveryTask
		if err := json.Unmarshal(item.Payload, &task); err != nil {
			return fmt.Errorf("decode delivery task: %w", err)
		}
		_, err := s.deliver(ctx, task.WebhookID, task.EventType, task.Payload, task.Attempt, true)
		return err
	}
}
