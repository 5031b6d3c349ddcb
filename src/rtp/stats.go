package rtp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PacingAnomalyThreshold is the inter-packet gap above which a send is
// logged as a pacing anomaly
const PacingAnomalyThreshold = 60 * time.Millisecond

// Interval histogram buckets: ≤20ms, ≤40ms, ≤60ms, >60ms
const (
	BucketLE20 = iota
	BucketLE40
	BucketLE60
	BucketGT60
	bucketCount
)

// SendStats is a snapshot of a Sender's counters
type SendStats struct {
	BytesSent        uint64
	PacketsSent      uint64
	PacketsPerSecond float64
	Intervals        [bucketCount]uint64
	Anomalies        uint64
	ChunksDropped    uint64
}

// ReceiveStats is a snapshot of a Receiver's counters
type ReceiveStats struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	Malformed       uint64
}

type instruments struct {
	packetsSent     metric.Int64Counter
	bytesSent       metric.Int64Counter
	chunksDropped   metric.Int64Counter
	packetsReceived metric.Int64Counter
	sendInterval    metric.Float64Histogram
}

var (
	meterOnce sync.Once
	meters    *instruments
)

// metrics returns the package instruments, created against the global
// MeterProvider on first use. The library installs no SDK: an application
// that wants them exported calls otel.SetMeterProvider before the first
// call starts. Without one they are no-ops and SendStats stays the only view.
func metrics() *instruments {
	meterOnce.Do(func() {
		meter := otel.Meter("github.com/square-key-labs/strawgo-bridge/src/rtp")
		m := &instruments{}
		m.packetsSent, _ = meter.Int64Counter("rtp.packets_sent",
			metric.WithDescription("RTP packets sent to the telephony side"))
		m.bytesSent, _ = meter.Int64Counter("rtp.bytes_sent",
			metric.WithDescription("RTP payload bytes sent"), metric.WithUnit("By"))
		m.chunksDropped, _ = meter.Int64Counter("rtp.chunks_dropped",
			metric.WithDescription("Outbound audio chunks dropped by backpressure"))
		m.packetsReceived, _ = meter.Int64Counter("rtp.packets_received",
			metric.WithDescription("RTP packets received from the telephony side"))
		m.sendInterval, _ = meter.Float64Histogram("rtp.send_interval",
			metric.WithDescription("Gap between consecutive RTP sends"), metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(20, 40, 60))
		meters = m
	})
	return meters
}

// sendTracker accumulates outbound statistics. Guarded by the Sender mutex.
type sendTracker struct {
	stats    SendStats
	started  time.Time
	lastSend time.Time
	attrs    metric.MeasurementOption
}

func newSendTracker(callID string) *sendTracker {
	return &sendTracker{attrs: metric.WithAttributes(attribute.String("call_id", callID))}
}

// record counts one sent packet and returns the gap since the previous one.
// The gap is zero for the first packet of a Draining period.
func (t *sendTracker) record(n int, now time.Time) time.Duration {
	m := metrics()
	ctx := context.Background()

	if t.started.IsZero() {
		t.started = now
	}
	t.stats.PacketsSent++
	t.stats.BytesSent += uint64(n)
	if elapsed := now.Sub(t.started).Seconds(); elapsed > 0 {
		t.stats.PacketsPerSecond = float64(t.stats.PacketsSent) / elapsed
	}
	m.packetsSent.Add(ctx, 1, t.attrs)
	m.bytesSent.Add(ctx, int64(n), t.attrs)

	var gap time.Duration
	if !t.lastSend.IsZero() {
		gap = now.Sub(t.lastSend)
		t.stats.Intervals[bucketFor(gap)]++
		if gap > PacingAnomalyThreshold {
			t.stats.Anomalies++
		}
		m.sendInterval.Record(ctx, float64(gap)/float64(time.Millisecond), t.attrs)
	}
	t.lastSend = now
	return gap
}

// idle marks the end of a Draining period so the pause before the next
// response is not counted as a pacing gap
func (t *sendTracker) idle() {
	t.lastSend = time.Time{}
}

func (t *sendTracker) dropped() {
	t.stats.ChunksDropped++
	metrics().chunksDropped.Add(context.Background(), 1, t.attrs)
}

func recordReceived() {
	metrics().packetsReceived.Add(context.Background(), 1)
}

func bucketFor(gap time.Duration) int {
	switch {
	case gap <= 20*time.Millisecond:
		return BucketLE20
	case gap <= 40*time.Millisecond:
		return BucketLE40
	case gap <= 60*time.Millisecond:
		return BucketLE60
	default:
		return BucketGT60
	}
}
