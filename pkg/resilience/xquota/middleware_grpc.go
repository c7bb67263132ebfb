package xquota

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCInterceptorOptions gRPC 拦截器选项
type GRPCInterceptorOptions struct {
	// Identity 身份提取器，默认只读上游认证写入 context 的身份
	Identity func(ctx context.Context) string

	// DefaultCategory 未在方法映射中出现的方法使用的类别；为空时不做准入检查
	DefaultCategory Category
}

// GRPCInterceptorOption gRPC 拦截器选项函数
type GRPCInterceptorOption func(*GRPCInterceptorOptions)

// defaultGRPCInterceptorOptions 返回默认的 gRPC 拦截器选项
func defaultGRPCInterceptorOptions() *GRPCInterceptorOptions {
	return &GRPCInterceptorOptions{
		Identity: IdentityFromContext,
	}
}

// WithGRPCIdentity 设置 gRPC 身份提取器
func WithGRPCIdentity(fn func(ctx context.Context) string) GRPCInterceptorOption {
	return func(o *GRPCInterceptorOptions) {
		if fn != nil {
			o.Identity = fn
		}
	}
}

// WithGRPCDefaultCategory 设置未映射方法的默认类别
func WithGRPCDefaultCategory(category Category) GRPCInterceptorOption {
	return func(o *GRPCInterceptorOptions) {
		o.DefaultCategory = category
	}
}

// grpcGate 一元与流式拦截器共享的判定逻辑
type grpcGate struct {
	engine  *Engine
	methods map[string]Category
	opts    *GRPCInterceptorOptions
}

func newGRPCGate(engine *Engine, methods map[string]Category, opts []GRPCInterceptorOption) *grpcGate {
	if engine == nil {
		panic("xquota: gRPC interceptor requires a non-nil Engine")
	}
	o := defaultGRPCInterceptorOptions()
	for _, opt := range opts {
		opt(o)
	}
	m := make(map[string]Category, len(methods))
	for k, v := range methods {
		m[k] = v
	}
	return &grpcGate{engine: engine, methods: m, opts: o}
}

// check 返回 nil 表示放行
func (g *grpcGate) check(ctx context.Context, fullMethod string) error {
	category, ok := g.methods[fullMethod]
	if !ok {
		if g.opts.DefaultCategory == "" {
			return nil
		}
		category = g.opts.DefaultCategory
	}

	d := g.engine.Evaluate(ctx, g.opts.Identity(ctx), category)
	if d.Limit > 0 {
		// header 发送失败不影响判定
		_ = grpc.SetHeader(ctx, decisionMetadata(d)) //nolint:errcheck // 见上
	}
	if d.Admitted {
		return nil
	}
	return status.Error(grpcCode(d), d.Message())
}

func decisionMetadata(d Decision) metadata.MD {
	md := metadata.Pairs(
		"x-ratelimit-limit", strconv.Itoa(d.Limit),
		"x-ratelimit-remaining", strconv.Itoa(d.Remaining),
		"x-ratelimit-tier", string(d.Tier),
	)
	if !d.ResetAt.IsZero() {
		md.Set("x-ratelimit-reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.RetryAfter > 0 {
		md.Set("retry-after", strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
	}
	return md
}

// grpcCode 将拒绝原因映射为 gRPC 状态码
func grpcCode(d Decision) codes.Code {
	switch d.Reason {
	case ReasonStoreUnavailable, ReasonEngineClosed:
		return codes.Unavailable
	case ReasonUnknownCategory, ReasonInternal:
		return codes.Internal
	case ReasonCanceled:
		return codes.Canceled
	default:
		return codes.ResourceExhausted
	}
}

// UnaryServerInterceptor 创建 gRPC 一元服务端拦截器。
// methods 将完整方法名映射到请求类别。
//
// 示例:
//
//	server := grpc.NewServer(
//	    grpc.UnaryInterceptor(xquota.UnaryServerInterceptor(engine, map[string]xquota.Category{
//	        "/trade.v1.Trade/PlaceOrder": xquota.CategoryTrading,
//	    })),
//	)
func UnaryServerInterceptor(engine *Engine, methods map[string]Category, opts ...GRPCInterceptorOption) grpc.UnaryServerInterceptor {
	gate := newGRPCGate(engine, methods, opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := gate.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor 创建 gRPC 流式服务端拦截器，每个流计数一次
func StreamServerInterceptor(engine *Engine, methods map[string]Category, opts ...GRPCInterceptorOption) grpc.StreamServerInterceptor {
	gate := newGRPCGate(engine, methods, opts)

	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := gate.check(stream.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, stream)
	}
}
