package xquota

import (
	"github.com/gin-gonic/gin"
)

// GinDecisionKey gin.Context 中保存决策的键
const GinDecisionKey = "xquota.decision"

// GinMiddleware 创建 Gin 准入中间件。
//
// 拒绝时以 JSON 中止请求；放行时决策写入 gin.Context（GinDecisionKey）
// 和请求 context。DenyHandler 选项同样生效。
func GinMiddleware(engine *Engine, category Category, opts ...MiddlewareOption) gin.HandlerFunc {
	if engine == nil {
		panic("xquota: GinMiddleware requires a non-nil Engine")
	}
	mopts := applyMiddlewareOptions(opts)

	return func(c *gin.Context) {
		r := c.Request
		if mopts.SkipFunc != nil && mopts.SkipFunc(r) {
			c.Next()
			return
		}

		d := engine.Evaluate(r.Context(), mopts.Identity(r), category)
		if mopts.EnableHeaders {
			d.SetHeaders(c.Writer)
		}
		if !d.Admitted {
			if mopts.customDeny {
				mopts.DenyHandler(c.Writer, r, d)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(StatusCode(d), NewDenyResponse(d))
			return
		}

		c.Set(GinDecisionKey, d)
		c.Request = r.WithContext(WithDecision(r.Context(), d))
		c.Next()
	}
}
