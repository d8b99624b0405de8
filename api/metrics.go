package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertCodeFailureSpike   AlertType = "code_failure_spike"
	AlertWebhookRejectSpike AlertType = "webhook_reject_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Failed code and token submissions across all stages.
	codeFailures  []time.Time
	codeWindow    time.Duration
	codeThreshold int

	// Webhook requests refused for bad signatures or channels.
	webhookRejects   []time.Time
	webhookWindow    time.Duration
	webhookThreshold int

	alertFn AlertFunc
}

const (
	defaultCodeFailureWindow      = 1 * time.Minute
	defaultCodeFailureThreshold   = 50
	defaultWebhookRejectWindow    = 5 * time.Minute
	defaultWebhookRejectThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		codeWindow:       defaultCodeFailureWindow,
		codeThreshold:    defaultCodeFailureThreshold,
		webhookWindow:    defaultWebhookRejectWindow,
		webhookThreshold: defaultWebhookRejectThreshold,
		alertFn:          alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPreAccessFailure, AuditUnlockFailure, AuditUnlockKeyFailure:
		m.record(&m.codeFailures, m.codeWindow, m.codeThreshold,
			AlertCodeFailureSpike, "failed code submissions exceed threshold")
	case AuditWebhookRejected:
		m.record(&m.webhookRejects, m.webhookWindow, m.webhookThreshold,
			AlertWebhookRejectSpike, "rejected webhook requests exceed threshold")
	}
}

func (m *metricsCollector) record(window *[]time.Time, span time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*window = append(*window, now)
	*window = trimWindow(*window, now, span)

	if len(*window) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*window = (*window)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
