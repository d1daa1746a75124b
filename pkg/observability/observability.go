// Package observability instruments the kernel with OpenTelemetry metrics
// and traces. The host process installs its own providers (OTLP, Prometheus
// bridge, or none); the kernel only records against the global API.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const instrumentationName = "github.com/mapleaiorg/maple/core"

// Kernel bundles the kernel's instruments.
type Kernel struct {
	tracer trace.Tracer
	meter  metric.Meter

	commitments  metric.Int64Counter
	outcomes     metric.Int64Counter
	denials      metric.Int64Counter
	attentionLow metric.Int64Counter
	breakerOpens metric.Int64Counter
	gateDuration metric.Float64Histogram
}

// NewKernel builds the instrument set against the globally installed
// providers. Instrument creation failures fall back to no-op instruments, so
// bootstrap never fails on telemetry.
func NewKernel() *Kernel {
	meter := otel.Meter(instrumentationName)
	k := &Kernel{
		tracer: otel.Tracer(instrumentationName),
		meter:  meter,
	}
	k.commitments, _ = meter.Int64Counter("maple.commitments.appended",
		metric.WithDescription("Commitment receipts appended, by decision"))
	k.outcomes, _ = meter.Int64Counter("maple.outcomes.appended",
		metric.WithDescription("Outcome receipts appended, by result"))
	k.denials, _ = meter.Int64Counter("maple.gate.denials",
		metric.WithDescription("Gate denials, by leading reason"))
	k.attentionLow, _ = meter.Int64Counter("maple.attention.low_events",
		metric.WithDescription("AttentionLow signals observed"))
	k.breakerOpens, _ = meter.Int64Counter("maple.breaker.opens",
		metric.WithDescription("Circuit breaker openings, by domain"))
	k.gateDuration, _ = meter.Float64Histogram("maple.gate.duration_seconds",
		metric.WithDescription("Gate run duration in seconds"))
	return k
}

// RecordCommitment counts an appended commitment receipt.
func (k *Kernel) RecordCommitment(ctx context.Context, r contracts.CommitmentReceipt) {
	k.commitments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(r.Decision)),
	))
	if r.Decision == contracts.DecisionRejected && len(r.Reasons) > 0 {
		k.denials.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(r.Reasons[0])),
		))
	}
}

// RecordOutcome counts an appended outcome receipt.
func (k *Kernel) RecordOutcome(ctx context.Context, r contracts.OutcomeReceipt) {
	k.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(r.Result)),
	))
}

// RecordAttentionLow counts an AttentionLow signal.
func (k *Kernel) RecordAttentionLow(ctx context.Context, w contracts.WorldLineID) {
	k.attentionLow.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worldline", string(w)),
	))
}

// RecordBreakerOpen counts a circuit breaker opening.
func (k *Kernel) RecordBreakerOpen(ctx context.Context, domain string) {
	k.breakerOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
	))
}

// TimeGateRun wraps one gate run in a span and duration sample.
func (k *Kernel) TimeGateRun(ctx context.Context, class contracts.CommitmentClass, fn func(context.Context) error) error {
	ctx, span := k.tracer.Start(ctx, "gate.run",
		trace.WithAttributes(attribute.String("class", string(class))))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	k.gateDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("class", string(class)),
		attribute.Bool("error", err != nil),
	))
	if err != nil {
		span.RecordError(err)
	}
	return err
}
