package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestWrongPINSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.wrongPIN.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditWrongPIN)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditWrongPIN)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWrongPINSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestTransferProbeSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.transferProbe.threshold = 3

	collector.recordEvent(AuditTransferRejected)
	collector.recordEvent(AuditTransferRejected)
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditTransferRejected)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTransferProbeSpike, alerts[0].Type)
}

func TestMetricsIgnoresOtherEvents(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.wrongPIN.threshold = 1

	collector.recordEvent(AuditVaultUnlocked)
	collector.recordEvent(AuditTransferRedeemed)
	assert.Empty(t, sink.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditWrongPIN)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditWrongPIN)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.wrongPIN.threshold = 5
	collector.wrongPIN.window = time.Minute

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditWrongPIN)
	}

	now = now.Add(2 * time.Minute)
	collector.recordEvent(AuditWrongPIN)
	assert.Empty(t, sink.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.wrongPIN.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditWrongPIN)
	}
	require.Len(t, sink.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditWrongPIN)
	}
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditWrongPIN)
	assert.Len(t, sink.snapshot(), 2, "second alert triggered")
}
