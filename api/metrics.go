package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertWrongPINSpike      AlertType = "wrong_pin_spike"
	AlertTransferProbeSpike AlertType = "transfer_probe_spike"
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

// slidingCounter fires once when threshold events fall inside window, then
// starts counting again.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = append(c.times, now)
	c.times = trimWindow(c.times, now, c.window)
	n := len(c.times)
	if n < c.threshold {
		return n, false
	}
	c.times = c.times[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	wrongPIN slidingCounter
	// Unknown or expired codes; a burst means someone is guessing codes.
	transferProbe slidingCounter

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultWrongPINWindow    = 1 * time.Minute
	defaultWrongPINThreshold = 50
	defaultProbeWindow       = 5 * time.Minute
	defaultProbeThreshold    = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		wrongPIN:      slidingCounter{window: defaultWrongPINWindow, threshold: defaultWrongPINThreshold},
		transferProbe: slidingCounter{window: defaultProbeWindow, threshold: defaultProbeThreshold},
		alertFn:       alertFn,
		now:           time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditWrongPIN:
		m.observe(&m.wrongPIN, AlertWrongPINSpike, "wrong PIN rate exceeds threshold")
	case AuditTransferRejected:
		m.observe(&m.transferProbe, AlertTransferProbeSpike, "rejected transfer codes exceed threshold")
	}
}

func (m *metricsCollector) observe(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
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
