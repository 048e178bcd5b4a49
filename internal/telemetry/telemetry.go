// =============================================================================
// 语音服务 OpenTelemetry 初始化
// =============================================================================
// 封装 traces 与 metrics 的 SDK 设置。禁用时不创建 exporter，全局 provider
// 保持 noop；Instruments 把请求生命周期映射为 OTel 指标。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
)

const instrumentationName = "github.com/Carolier2003/ai-roleplay-sub001/speech"

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 禁用时两者为 nil，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init 初始化 OTel SDK 并注册为全局 provider
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	// 上游已采样的链路保持一致
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

// Shutdown 刷出未发送的 span 与指标并关闭 exporter，nil 接收者安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// =============================================================================
// 📈 请求指标
// =============================================================================

// Instruments 以 OTel 指标记录语音请求，实现 monitor.Observer
type Instruments struct {
	requests metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
}

// NewInstruments 在给定 MeterProvider 上创建指标，nil 时使用全局 provider
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		in  Instruments
		err error
	)
	if in.requests, err = meter.Int64Counter("speech.requests",
		metric.WithDescription("Completed speech requests")); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	if in.inFlight, err = meter.Int64UpDownCounter("speech.requests.in_flight",
		metric.WithDescription("Speech requests currently running")); err != nil {
		return nil, fmt.Errorf("create in-flight counter: %w", err)
	}
	if in.latency, err = meter.Float64Histogram("speech.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Speech request latency")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	if in.size, err = meter.Int64Histogram("speech.request.size",
		metric.WithUnit("By"),
		metric.WithDescription("Speech request input size")); err != nil {
		return nil, fmt.Errorf("create size histogram: %w", err)
	}
	return &in, nil
}

// ObserveStart 请求开始
func (in *Instruments) ObserveStart(class string, size int64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("class", class))
	in.inFlight.Add(ctx, 1, attrs)
	in.size.Record(ctx, size, attrs)
}

// ObserveComplete 请求结束
func (in *Instruments) ObserveComplete(class string, latency time.Duration, success bool, errorKind string) {
	ctx := context.Background()
	classAttr := attribute.String("class", class)
	in.inFlight.Add(ctx, -1, metric.WithAttributes(classAttr))
	in.latency.Record(ctx, latency.Seconds(), metric.WithAttributes(classAttr))
	in.requests.Add(ctx, 1, metric.WithAttributes(
		classAttr,
		attribute.Bool("success", success),
		attribute.String("error_kind", errorKind),
	))
}
