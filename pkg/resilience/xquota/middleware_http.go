package xquota

import (
	"net/http"
)

// HTTPMiddleware 创建 HTTP 准入中间件，所有请求按同一类别计数。
//
// 示例:
//
//	engine, _ := xquota.New(cfg, source, store)
//	mux := http.NewServeMux()
//	mux.Handle("/v1/trade/", xquota.HTTPMiddleware(engine, xquota.CategoryTrading)(tradeHandler))
func HTTPMiddleware(engine *Engine, category Category, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if engine == nil {
		panic("xquota: HTTPMiddleware requires a non-nil Engine")
	}
	mopts := applyMiddlewareOptions(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mopts.SkipFunc != nil && mopts.SkipFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			d := engine.Evaluate(r.Context(), mopts.Identity(r), category)
			if mopts.EnableHeaders {
				d.SetHeaders(w)
			}
			if !d.Admitted {
				mopts.DenyHandler(w, r, d)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}

// HTTPMiddlewareFunc 创建 HTTP 准入中间件（函数式）
// 适用于需要 http.HandlerFunc 的场景
func HTTPMiddlewareFunc(engine *Engine, category Category, opts ...MiddlewareOption) func(http.HandlerFunc) http.HandlerFunc {
	middleware := HTTPMiddleware(engine, category, opts...)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}
