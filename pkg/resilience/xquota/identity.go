package xquota

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

// DefaultIdentityHeader 常用的身份 header。
// header 未经校验，只应在网关已完成认证的内网链路上通过 HeaderIdentity 显式启用。
const DefaultIdentityHeader = "X-API-Key"

// IdentityFunc 从 HTTP 请求中提取调用方身份，返回空字符串表示匿名
type IdentityFunc func(r *http.Request) string

// identityCtxKey context 中身份的键
type identityCtxKey struct{}

// WithIdentity 将已认证的身份写入 context，供 ContextIdentity 读取
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFromContext 从 context 读取身份
func IdentityFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(identityCtxKey{}).(string)
	return id
}

// ContextIdentity 从请求 context 读取上游认证中间件写入的身份
func ContextIdentity() IdentityFunc {
	return func(r *http.Request) string {
		return IdentityFromContext(r.Context())
	}
}

// HeaderIdentity 从指定 header 读取身份，不做任何校验
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}

// JWTIdentity 从 "Authorization: Bearer <token>" 解析 JWT，取 sub 作为身份。
// 签名无效、过期或缺少 sub 时视为匿名。
// methods 限定允许的签名算法，如 "HS256"；为空时不限定。
func JWTIdentity(keyFunc jwt.Keyfunc, methods ...string) IdentityFunc {
	var parserOpts []jwt.ParserOption
	if len(methods) > 0 {
		parserOpts = append(parserOpts, jwt.WithValidMethods(methods))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(r *http.Request) string {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			return ""
		}
		token, err := parser.Parse(raw, keyFunc)
		if err != nil || !token.Valid {
			return ""
		}
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return ""
		}
		return sub
	}
}

// FirstIdentity 依次尝试多个提取器，返回第一个非空身份
func FirstIdentity(fns ...IdentityFunc) IdentityFunc {
	return func(r *http.Request) string {
		for _, fn := range fns {
			if id := fn(r); id != "" {
				return id
			}
		}
		return ""
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// MetadataIdentity 先读 context 中已认证的身份，再读 gRPC 入站 metadata。
// metadata 未经校验，与 HeaderIdentity 一样需要显式启用。
func MetadataIdentity(key string) func(ctx context.Context) string {
	key = strings.ToLower(key)
	return func(ctx context.Context) string {
		if id := IdentityFromContext(ctx); id != "" {
			return id
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return ""
		}
		if values := md.Get(key); len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}
}
