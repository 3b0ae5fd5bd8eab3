package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/logger"
	"tradeloop-engine/internal/models"
)

// Signature and metadata headers attached to every delivery.
const (
	headerSignature = "X-TradeLoop-Signature"
	headerEvent     = "X-TradeLoop-Event"
	headerAttempt   = "X-TradeLoop-Attempt"
)

// Dispatcher subscribes to loop-change events on the bus and delivers
// them to registered endpoints with at-least-once semantics: each
// endpoint gets retries with exponential backoff until the attempt
// budget runs out, and repeat offenders are parked by the store.
type Dispatcher struct {
	store       *Store
	bus         *eventbus.Bus
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration

	events chan eventbus.Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// DispatcherConfig tunes delivery behaviour.
type DispatcherConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
	BufferSize  int
}

// NewDispatcher wires a dispatcher to the bus and store. Call Start to
// begin consuming.
func NewDispatcher(store *Store, bus *eventbus.Bus, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Dispatcher{
		store:       store,
		bus:         bus,
		client:      &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		events:      make(chan eventbus.Event, cfg.BufferSize),
	}
}

// Start subscribes to the bus and launches the consumer loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.bus.Subscribe(eventbus.TypeLoopGained, d.events)
	d.bus.Subscribe(eventbus.TypeLoopLost, d.events)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-d.events:
				d.fanOut(ctx, evt)
			}
		}
	}()
}

// Stop cancels the consumer loop and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) fanOut(ctx context.Context, evt eventbus.Event) {
	endpoints := d.store.Matching(evt.Tenant, evt.Type)
	if len(endpoints) == 0 {
		return
	}
	payload := deliveryPayload{
		Tenant: evt.Tenant,
		Type:   evt.Type,
		Loop:   evt.Loop,
		At:     evt.Timestamp,
	}
	for _, ep := range endpoints {
		ep := ep
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, ep, evt.Type, payload)
		}()
	}
}

type deliveryPayload struct {
	Tenant  string            `json:"tenant"`
	Type    string            `json:"type"`
	Loop    *models.TradeLoop `json:"loop"`
	At      time.Time         `json:"at"`
	Attempt int               `json:"attempt"`
}

// deliver posts the payload, retrying with exponential backoff. The body
// carries the attempt counter, so it is marshalled and signed per try.
// Any 2xx response counts as delivered.
func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, eventType string, payload deliveryPayload) {
	log := logger.For(ctx).WithField("endpoint", ep.ID).WithField("event", eventType)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.backoffBase << (attempt - 2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		payload.Attempt = attempt
		body, err := json.Marshal(payload)
		if err != nil {
			log.WithError(err).Error("webhook payload marshal failed")
			d.store.MarkResult(ep.ID, false)
			return
		}
		if d.post(ctx, ep, eventType, attempt, body) {
			d.store.MarkResult(ep.ID, true)
			return
		}
	}
	d.store.MarkResult(ep.ID, false)
	log.Warn("webhook delivery exhausted attempts")
}

func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, eventType string, attempt int, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, eventType)
	req.Header.Set(headerAttempt, fmt.Sprintf("%d", attempt))
	if ep.Secret != "" {
		req.Header.Set(headerSignature, Sign(ep.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Sign computes the hex HMAC-SHA256 of the payload under the endpoint
// secret. Receivers recompute it to authenticate deliveries.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
