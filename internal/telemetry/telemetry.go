// Package telemetry exports iteration/evaluator/LLM-call metrics via
// OpenTelemetry OTLP/HTTP when configured, otherwise falls back to a no-op
// meter provider, grounded on the teacher's internal/observability.InitOTel
// and internal/telemetry/otel.go.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config mirrors config.OTelConfig.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Recorder holds the instruments the controller updates once per iteration.
type Recorder struct {
	meter metric.Meter

	iterationDuration metric.Float64Histogram
	evaluatorDuration  metric.Float64Histogram
	llmCallDuration    metric.Float64Histogram
	llmRetryCount      metric.Int64Counter
	bestFitness        metric.Float64ObservableGauge

	bestFitnessValue float64
	shutdown         func(context.Context) error
}

// Setup builds a Recorder. When cfg.Enabled is false or cfg.Endpoint is
// empty, metrics are recorded against a no-op global meter provider and
// Shutdown is a no-op, so callers never need to branch on whether
// telemetry is live.
func Setup(ctx context.Context, cfg Config) (*Recorder, error) {
	meterProvider := otel.GetMeterProvider()
	shutdown := func(context.Context) error { return nil }

	if cfg.Enabled && cfg.Endpoint != "" {
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
		if err != nil {
			return nil, fmt.Errorf("build otel resource: %w", err)
		}

		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("build otlp metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		meterProvider = mp
		shutdown = mp.Shutdown
	}

	meter := meterProvider.Meter("evocore")
	r := &Recorder{meter: meter, shutdown: shutdown}

	var err error
	if r.iterationDuration, err = meter.Float64Histogram("evocore.iteration.duration_seconds"); err != nil {
		return nil, err
	}
	if r.evaluatorDuration, err = meter.Float64Histogram("evocore.evaluator.duration_seconds"); err != nil {
		return nil, err
	}
	if r.llmCallDuration, err = meter.Float64Histogram("evocore.llm.call_duration_seconds"); err != nil {
		return nil, err
	}
	if r.llmRetryCount, err = meter.Int64Counter("evocore.llm.retry_count"); err != nil {
		return nil, err
	}
	r.bestFitness, err = meter.Float64ObservableGauge("evocore.best_fitness",
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(r.bestFitnessValue)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RecordIteration records one controller iteration's wall-clock duration.
func (r *Recorder) RecordIteration(ctx context.Context, islandID int, d time.Duration) {
	r.iterationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("island", islandID)))
}

// RecordEvaluation records one evaluator call's wall-clock duration.
func (r *Recorder) RecordEvaluation(ctx context.Context, d time.Duration, failed bool) {
	r.evaluatorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("failed", failed)))
}

// RecordLLMCall records one LLM ensemble call's duration and retry count.
func (r *Recorder) RecordLLMCall(ctx context.Context, model string, d time.Duration, retries int) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	r.llmCallDuration.Record(ctx, d.Seconds(), attrs)
	r.llmRetryCount.Add(ctx, int64(retries), attrs)
}

// SetBestFitness updates the observable best-fitness gauge.
func (r *Recorder) SetBestFitness(score float64) {
	r.bestFitnessValue = score
}

// Shutdown flushes and releases the exporter, if one was configured.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.shutdown(ctx)
}
