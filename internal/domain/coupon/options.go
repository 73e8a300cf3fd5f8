package coupon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/catalog"
)

const instrumentationName = "github.com/xenking/coupon-engine/internal/domain/coupon"

type options struct {
	lg             *zap.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	now            func() time.Time
	categories     catalog.Resolver
}

// Option configures a Service or a Sweeper.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.lg = lg }
}

// WithMeterProvider sets the OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCategoryResolver sets the lookup used to fill in missing cart item
// categories for category-scoped coupons.
func WithCategoryResolver(r catalog.Resolver) Option {
	return func(o *options) { o.categories = r }
}

func buildOptions(opts []Option) options {
	o := options{
		lg:             zap.NewNop(),
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// metrics holds the counters recorded by the engine.
type metrics struct {
	validations  metric.Int64Counter
	applications metric.Int64Counter
	expired      metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	m := mp.Meter(instrumentationName)
	return &metrics{
		validations:  int64Counter(m, "coupon.validations", "Coupon validations by outcome"),
		applications: int64Counter(m, "coupon.applications", "Coupon applications by outcome"),
		expired:      int64Counter(m, "coupon.expired", "Coupons transitioned to expired"),
	}
}

func int64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return metricnoop.Int64Counter{}
	}
	return c
}

func outcome(kind Kind) metric.AddOption {
	if kind == "" {
		kind = "ok"
	}
	return metric.WithAttributes(attribute.String("outcome", string(kind)))
}

func (m *metrics) validated(ctx context.Context, kind Kind) {
	m.validations.Add(ctx, 1, outcome(kind))
}

func (m *metrics) applied(ctx context.Context, kind Kind) {
	m.applications.Add(ctx, 1, outcome(kind))
}
