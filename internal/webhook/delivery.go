// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package webhook delivers core events to registered HTTP subscribers
// through a bounded queue and a small worker pool. Registration-time SSRF
// validation keeps internal addresses unreachable; delivery-time signing
// lets subscribers verify the payload.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"kiln/internal/metrics"
	"kiln/pkg/crypto"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

const (
	// queueCapacity bounds the delivery queue; past it, events are
	// dropped, counted, and logged rather than backpressuring the bus.
	queueCapacity = 10000

	defaultWorkers = 4

	connectTimeout = 10 * time.Second
	readTimeout    = 10 * time.Second

	maxAttempts = 3
)

// retryDelay returns the backoff after a failed attempt: 1s, 4s, 16s.
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 4
	}
	return d
}

// SubscriptionSource lists current subscriptions (secrets decrypted).
type SubscriptionSource interface {
	ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error)
}

// Dispatcher fans events out to webhook subscribers.
type Dispatcher struct {
	store        SubscriptionSource
	logger       *slog.Logger
	client       *http.Client
	resolver     Resolver
	workers      int
	maxRedirects int

	queue chan task
	wg    sync.WaitGroup

	// onOverflow is invoked when the queue drops an event, so the caller
	// can surface a WEBHOOK_OVERFLOW event without this package importing
	// the bus.
	onOverflow func(ev models.Event)
}

type task struct {
	sub models.WebhookSubscription
	ev  models.Event
}

// Config tunes the dispatcher.
type Config struct {
	Workers      int
	MaxRedirects int // 0 disables redirects entirely
	Client       *http.Client
	Resolver     Resolver
	OnOverflow   func(ev models.Event)
}

// NewDispatcher constructs the dispatcher. Start must be called before
// Enqueue delivers anything.
func NewDispatcher(store SubscriptionSource, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	d := &Dispatcher{
		store:        store,
		logger:       logger,
		resolver:     resolver,
		workers:      workers,
		maxRedirects: cfg.MaxRedirects,
		queue:        make(chan task, queueCapacity),
		onOverflow:   cfg.OnOverflow,
	}

	d.client = cfg.Client
	if d.client == nil {
		d.client = &http.Client{
			Timeout: connectTimeout + readTimeout,
		}
	}
	d.client.CheckRedirect = d.checkRedirect
	return d
}

// checkRedirect enforces the redirect policy: none by default; when
// enabled, each hop is re-validated against the SSRF rules and the hop
// count is capped.
func (d *Dispatcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if d.maxRedirects <= 0 {
		return http.ErrUseLastResponse
	}
	if len(via) >= d.maxRedirects {
		return fmt.Errorf("stopped after %d redirects", d.maxRedirects)
	}
	return ValidateURL(req.Context(), d.resolver, req.URL.String())
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.queue:
					metrics.SetWebhookQueueDepth(len(d.queue))
					d.deliver(ctx, t)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// HandleEvent is the bus subscriber entry point: match the event against
// every subscription and queue one delivery per match. Never blocks; a
// full queue drops the delivery.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev models.Event) {
	subs, err := d.store.ListWebhooks(ctx)
	if err != nil {
		d.logger.Error("list webhook subscriptions failed", "err", err)
		return
	}
	for _, sub := range subs {
		if !sub.Matches(ev.Kind) {
			continue
		}
		select {
		case d.queue <- task{sub: sub, ev: ev}:
			metrics.SetWebhookQueueDepth(len(d.queue))
		default:
			metrics.IncWebhookOverflow()
			d.logger.Warn("webhook queue full, delivery dropped",
				"subscription", sub.ID, "kind", string(ev.Kind), "seq", ev.Seq)
			if d.onOverflow != nil {
				d.onOverflow(ev)
			}
		}
	}
}

// deliver posts one event to one subscriber, retrying on 5xx and network
// errors with 1s/4s/16s backoff. 4xx responses and unfollowed redirects
// are final.
func (d *Dispatcher) deliver(ctx context.Context, t task) {
	body, err := crypto.CanonicalJSON(t.ev)
	if err != nil {
		d.logger.Error("event serialization failed", "seq", t.ev.Seq, "err", err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.post(ctx, t.sub, t.ev, body)
		if err == nil {
			metrics.ObserveWebhookDelivery("delivered")
			return
		}
		if faults.KindOf(err) == faults.KindValidationRejected {
			// 4xx: the subscriber rejected the payload; retrying is noise.
			metrics.ObserveWebhookDelivery("rejected")
			d.logger.Warn("webhook delivery rejected",
				"subscription", t.sub.ID, "seq", t.ev.Seq, "err", err)
			return
		}

		metrics.ObserveWebhookDelivery("retryable")
		if attempt == maxAttempts {
			metrics.ObserveWebhookDelivery("exhausted")
			d.logger.Warn("webhook delivery exhausted retries",
				"subscription", t.sub.ID, "seq", t.ev.Seq, "err", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(attempt)):
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, sub models.WebhookSubscription, ev models.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiln-Event-Kind", string(ev.Kind))
	req.Header.Set("X-Kiln-Event-Seq", fmt.Sprintf("%d", ev.Seq))
	if sub.Secret != "" {
		req.Header.Set("X-Kiln-Signature", "sha256="+Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "post webhook to %s", sub.URL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// A 3xx only reaches here when the redirect policy refused to
		// follow it; retrying would just replay the same redirect.
		return faults.New(faults.KindValidationRejected, "webhook endpoint redirected with %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return faults.New(faults.KindValidationRejected, "webhook endpoint returned %d", resp.StatusCode)
	default:
		return faults.New(faults.KindTransport, "webhook endpoint returned %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
