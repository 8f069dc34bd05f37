package telemetry

import (
	"sync"
	"time"

	"github.com/unifiedcmdb/cmdb-core/internal/clock"
)

// Built-in alert rules evaluated over the sliding window.
const (
	EventRateLimited   = "api.rate_limited"
	EventServerError   = "api.server_error"
	EventSyncJobFailed = "sync.job_failed"
)

// Rule triggers an alert when an event type fires at least Threshold times
// inside the window.
type Rule struct {
	Name      string `json:"name"`
	EventType string `json:"event_type"`
	Threshold int    `json:"threshold"`
	Severity  string `json:"severity"`
}

// Alert is one active rule with its observed count.
type Alert struct {
	Rule      string `json:"rule"`
	EventType string `json:"event_type"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
	Severity  string `json:"severity"`
}

// Snapshot is the point-in-time health view served by the dashboard.
type Snapshot struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	WindowSeconds int            `json:"window_seconds"`
	Counts        map[string]int `json:"counts"`
	Rules         []Rule         `json:"rules"`
	ActiveAlerts  []Alert        `json:"active_alerts"`
}

// DefaultRules are the operational alert thresholds.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "rate-limit-spike", EventType: EventRateLimited, Threshold: 20, Severity: "warning"},
		{Name: "server-error-spike", EventType: EventServerError, Threshold: 5, Severity: "critical"},
		{Name: "sync-job-failures", EventType: EventSyncJobFailed, Threshold: 3, Severity: "critical"},
	}
}

// Hub counts operational events in a sliding window and evaluates alert rules.
type Hub struct {
	mu      sync.Mutex
	window  time.Duration
	rules   []Rule
	events  map[string][]time.Time
	metrics *Metrics
	now     func() time.Time
}

// NewHub returns a hub with a 5 minute window and the default rules.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		window:  5 * time.Minute,
		rules:   DefaultRules(),
		events:  map[string][]time.Time{},
		metrics: metrics,
		now:     clock.UTCNow,
	}
}

// NewHubAt builds a hub with an injected clock for tests.
func NewHubAt(metrics *Metrics, window time.Duration, now func() time.Time) *Hub {
	h := NewHub(metrics)
	h.window = window
	h.now = now
	return h
}

// Record notes one occurrence of eventType.
func (h *Hub) Record(eventType string) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(eventType, now)
	h.events[eventType] = append(h.events[eventType], now)
	if h.metrics != nil {
		h.metrics.OperationalEvents.WithLabelValues(eventType).Inc()
	}
}

// prune drops timestamps older than the window. Caller holds the lock.
func (h *Hub) prune(eventType string, now time.Time) {
	cutoff := now.Add(-h.window)
	ts := h.events[eventType]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		h.events[eventType] = append([]time.Time(nil), ts[i:]...)
	}
}

// Count returns the in-window occurrences of eventType.
func (h *Hub) Count(eventType string) int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(eventType, now)
	return len(h.events[eventType])
}

// Snapshot evaluates every rule and returns the current health view.
func (h *Hub) Snapshot() Snapshot {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := map[string]int{}
	for eventType := range h.events {
		h.prune(eventType, now)
		if n := len(h.events[eventType]); n > 0 {
			counts[eventType] = n
		}
	}
	var alerts []Alert
	for _, rule := range h.rules {
		n := counts[rule.EventType]
		if n >= rule.Threshold {
			alerts = append(alerts, Alert{
				Rule:      rule.Name,
				EventType: rule.EventType,
				Count:     n,
				Threshold: rule.Threshold,
				Severity:  rule.Severity,
			})
		}
	}
	return Snapshot{
		GeneratedAt:   now,
		WindowSeconds: int(h.window.Seconds()),
		Counts:        counts,
		Rules:         h.rules,
		ActiveAlerts:  alerts,
	}
}
