package xquota

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xquota/pkg/observability/xlog"
)

// options 引擎与解析器共享的内部配置
type options struct {
	logger         xlog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	clock          func() time.Time
	storePolicy    StorePolicy
	onDecision     func(Decision)
	onTierFallback func(identity string, err error)
}

// Option 配置选项函数
type Option func(*options)

// defaultOptions 返回默认配置
func defaultOptions() *options {
	return &options{
		logger:      xlog.Discard(),
		clock:       time.Now,
		storePolicy: StoreFailClosed,
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger 设置日志记录器
func WithLogger(logger xlog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider 设置 OpenTelemetry MeterProvider。
// 不设置时不收集指标。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider 设置 OpenTelemetry TracerProvider。
// 不设置时不创建 span。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithClock 设置时钟，窗口计算和缓存过期都使用它
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithStorePolicy 设置计数存储不可用时的策略，默认 StoreFailClosed
func WithStorePolicy(p StorePolicy) Option {
	return func(o *options) {
		o.storePolicy = p
	}
}

// WithOnDecision 设置每次决策后的回调
// 用于审计、自定义指标等
func WithOnDecision(fn func(Decision)) Option {
	return func(o *options) {
		o.onDecision = fn
	}
}

// WithOnTierFallback 设置等级降级时的回调
func WithOnTierFallback(fn func(identity string, err error)) Option {
	return func(o *options) {
		o.onTierFallback = fn
	}
}
