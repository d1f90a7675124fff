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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	adapterRequests        *prometheus.CounterVec
	adapterRequestDuration *prometheus.HistogramVec
	adapterRetries         *prometheus.CounterVec
	dispatchOutcomes       *prometheus.CounterVec
	webhookQueueDepth      prometheus.Gauge
	webhookOverflow        prometheus.Counter
	webhookDeliveries      *prometheus.CounterVec
	watchdogCooldowns      prometheus.Counter
)

// Operation labels for adapter calls.
const (
	OpGetStatus   = "get_status"
	OpListFiles   = "list_files"
	OpUploadFile  = "upload_file"
	OpStartPrint  = "start_print"
	OpCancelPrint = "cancel_print"
	OpPausePrint  = "pause_print"
	OpResumePrint = "resume_print"
	OpSetTemp     = "set_temperature"
	OpSendGCode   = "send_gcode"
	OpSnapshot    = "get_snapshot"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAdapterRequest records a completed adapter operation attempt.
// result is "ok" or the failure kind.
func ObserveAdapterRequest(op, backend, result string, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	labelBackend := sanitizeLabel(strings.ToLower(backend), "unknown")
	labelResult := sanitizeLabel(strings.ToLower(result), "error")

	mu.RLock()
	defer mu.RUnlock()
	if adapterRequests != nil {
		adapterRequests.WithLabelValues(labelOp, labelBackend, labelResult).Inc()
	}
	if adapterRequestDuration != nil {
		adapterRequestDuration.WithLabelValues(labelOp, labelBackend).Observe(durationSeconds(duration))
	}
}

// IncAdapterRetry increments the retry counter for an adapter operation.
func IncAdapterRetry(op, backend string) {
	labelOp := sanitizeLabel(op, "unknown")
	labelBackend := sanitizeLabel(strings.ToLower(backend), "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if adapterRetries != nil {
		adapterRetries.WithLabelValues(labelOp, labelBackend).Inc()
	}
}

// IncDispatchOutcome counts a job reaching a terminal or retryable state.
func IncDispatchOutcome(state string) {
	label := sanitizeLabel(state, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if dispatchOutcomes != nil {
		dispatchOutcomes.WithLabelValues(label).Inc()
	}
}

// SetWebhookQueueDepth records the current delivery queue depth.
func SetWebhookQueueDepth(depth int) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookQueueDepth != nil {
		webhookQueueDepth.Set(float64(depth))
	}
}

// IncWebhookOverflow counts a dropped delivery due to a full queue.
func IncWebhookOverflow() {
	mu.RLock()
	defer mu.RUnlock()
	if webhookOverflow != nil {
		webhookOverflow.Inc()
	}
}

// ObserveWebhookDelivery counts a delivery attempt result
// ("delivered", "retryable", "rejected", "exhausted").
func ObserveWebhookDelivery(result string) {
	label := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(label).Inc()
	}
}

// IncWatchdogCooldown counts a heater auto-cooldown.
func IncWatchdogCooldown() {
	mu.RLock()
	defer mu.RUnlock()
	if watchdogCooldowns != nil {
		watchdogCooldowns.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "adapter",
		Name:      "requests_total",
		Help:      "Total adapter operations grouped by operation, backend, and result.",
	}, []string{"op", "backend", "result"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kiln",
		Subsystem: "adapter",
		Name:      "request_duration_seconds",
		Help:      "Duration of adapter operations by operation and backend.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op", "backend"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "adapter",
		Name:      "retries_total",
		Help:      "Total adapter-level retries by operation and backend.",
	}, []string{"op", "backend"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "scheduler",
		Name:      "dispatch_outcomes_total",
		Help:      "Job state transitions observed by the dispatcher.",
	}, []string{"state"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Subsystem: "webhook",
		Name:      "queue_depth",
		Help:      "Current depth of the webhook delivery queue.",
	})

	overflow := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "webhook",
		Name:      "overflow_total",
		Help:      "Deliveries dropped because the queue was full.",
	})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	cooldowns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "watchdog",
		Name:      "heater_cooldowns_total",
		Help:      "Heater auto-cooldowns performed by the idle watchdog.",
	})

	registry.MustRegister(reqTotal, reqDuration, retries, outcomes, queueDepth, overflow, deliveries, cooldowns)

	reg = registry
	adapterRequests = reqTotal
	adapterRequestDuration = reqDuration
	adapterRetries = retries
	dispatchOutcomes = outcomes
	webhookQueueDepth = queueDepth
	webhookOverflow = overflow
	webhookDeliveries = deliveries
	watchdogCooldowns = cooldowns
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
