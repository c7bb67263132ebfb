package xquota

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 指标名称常量
const (
	metricNameEvaluationsTotal  = "xquota.evaluations.total"
	metricNameDeniedTotal       = "xquota.denied.total"
	metricNameTierFallbackTotal = "xquota.tier.fallback.total"
	metricNameStoreFailureTotal = "xquota.store.failure.total"
	metricNameEvaluateDuration  = "xquota.evaluate.duration"
)

// Metrics 准入控制指标收集器
type Metrics struct {
	evaluationsTotal  metric.Int64Counter
	deniedTotal       metric.Int64Counter
	tierFallbackTotal metric.Int64Counter
	storeFailureTotal metric.Int64Counter
	evaluateDuration  metric.Float64Histogram
}

// NewMetrics 创建指标收集器
// 如果 meterProvider 为 nil，返回 nil（不收集指标）
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	meter := meterProvider.Meter("xquota",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	evaluationsTotal, err := meter.Int64Counter(
		metricNameEvaluationsTotal,
		metric.WithDescription("准入判定总数"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	deniedTotal, err := meter.Int64Counter(
		metricNameDeniedTotal,
		metric.WithDescription("被拒绝的请求数"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	tierFallbackTotal, err := meter.Int64Counter(
		metricNameTierFallbackTotal,
		metric.WithDescription("等级解析降级次数"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		return nil, err
	}

	storeFailureTotal, err := meter.Int64Counter(
		metricNameStoreFailureTotal,
		metric.WithDescription("计数存储故障次数"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	evaluateDuration, err := meter.Float64Histogram(
		metricNameEvaluateDuration,
		metric.WithDescription("准入判定耗时"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0,
		),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		evaluationsTotal:  evaluationsTotal,
		deniedTotal:       deniedTotal,
		tierFallbackTotal: tierFallbackTotal,
		storeFailureTotal: storeFailureTotal,
		evaluateDuration:  evaluateDuration,
	}, nil
}

// RecordEvaluation 记录一次判定
func (m *Metrics) RecordEvaluation(ctx context.Context, d Decision, duration time.Duration) {
	if m == nil {
		return
	}

	// 请求 ctx 取消后仍需记录
	metricsCtx := context.WithoutCancel(ctx)

	attrs := metric.WithAttributes(
		attribute.String("tier", string(d.Tier)),
		attribute.String("category", string(d.Category)),
		attribute.Bool("admitted", d.Admitted),
	)
	m.evaluationsTotal.Add(metricsCtx, 1, attrs)
	m.evaluateDuration.Record(metricsCtx, duration.Seconds(), attrs)

	if !d.Admitted {
		m.deniedTotal.Add(metricsCtx, 1, metric.WithAttributes(
			attribute.String("tier", string(d.Tier)),
			attribute.String("category", string(d.Category)),
			attribute.String("reason", string(d.Reason)),
		))
	}
}

// RecordTierFallback 记录等级降级
func (m *Metrics) RecordTierFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.tierFallbackTotal.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStoreFailure 记录计数存储故障及所用策略
func (m *Metrics) RecordStoreFailure(ctx context.Context, storeType string, policy StorePolicy) {
	if m == nil {
		return
	}
	m.storeFailureTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("store", storeType),
		attribute.String("policy", string(policy)),
	))
}
