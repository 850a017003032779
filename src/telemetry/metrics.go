package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the relay instruments. A nil *Metrics records nothing, so
// components can be built without telemetry in tests.
type Metrics struct {
	callsStarted  metric.Int64Counter
	callsFailed   metric.Int64Counter
	callsActive   metric.Int64UpDownCounter
	framesForward metric.Int64Counter
	framesDropped metric.Int64Counter
	bargeIns      metric.Int64Counter
	callDuration  metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.callsStarted, err = meter.Int64Counter("relay.calls.started",
		metric.WithDescription("Telephony connections accepted")); err != nil {
		return nil, err
	}
	if m.callsFailed, err = meter.Int64Counter("relay.calls.failed",
		metric.WithDescription("Calls that ended on a connect or upstream error")); err != nil {
		return nil, err
	}
	if m.callsActive, err = meter.Int64UpDownCounter("relay.calls.active",
		metric.WithDescription("Calls currently relaying")); err != nil {
		return nil, err
	}
	if m.framesForward, err = meter.Int64Counter("relay.frames.forwarded",
		metric.WithDescription("Frames written to the opposite peer")); err != nil {
		return nil, err
	}
	if m.framesDropped, err = meter.Int64Counter("relay.frames.dropped",
		metric.WithDescription("Frames dropped instead of forwarded")); err != nil {
		return nil, err
	}
	if m.bargeIns, err = meter.Int64Counter("relay.bargeins",
		metric.WithDescription("Playback flushes triggered by caller speech")); err != nil {
		return nil, err
	}
	if m.callDuration, err = meter.Float64Histogram("relay.call.duration",
		metric.WithDescription("Wall time from accept to teardown"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) CallStarted(ctx context.Context, dialect string) {
	if m == nil {
		return
	}
	m.callsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("dialect", dialect)))
	m.callsActive.Add(ctx, 1)
}

func (m *Metrics) CallEnded(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Add(ctx, -1)
	m.callDuration.Record(ctx, elapsed.Seconds())
}

// CallFailed counts a call ending on an error. reason is auth, protocol,
// network or upstream.
func (m *Metrics) CallFailed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.callsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) FrameForwarded(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.framesForward.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// FrameDropped counts a frame that was not forwarded. reason is malformed,
// unknown or pending_overflow.
func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) BargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.bargeIns.Add(ctx, 1)
}
