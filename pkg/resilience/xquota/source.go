package xquota

import "context"

// EntitlementSource 订阅权益查询接口（外部协作方）。
//
// LookupActiveEntitlements 返回 identity 名下任一凭证上所有有效订阅的套餐标识。
// 没有有效订阅时返回空切片和 nil。实现应遵守 ctx 的取消与超时。
type EntitlementSource interface {
	LookupActiveEntitlements(ctx context.Context, identity string) ([]string, error)
}

// EntitlementFunc 适配只返回单个套餐的查询函数。
// 返回空字符串表示没有有效订阅。
type EntitlementFunc func(ctx context.Context, identity string) (string, error)

// LookupActiveEntitlements 实现 EntitlementSource
func (f EntitlementFunc) LookupActiveEntitlements(ctx context.Context, identity string) ([]string, error) {
	plan, err := f(ctx, identity)
	if err != nil {
		return nil, err
	}
	if plan == "" {
		return nil, nil
	}
	return []string{plan}, nil
}

// StaticSource 固定映射的权益来源，identity → 套餐列表。
// 适用于测试和命令行演示。
type StaticSource map[string][]string

// LookupActiveEntitlements 实现 EntitlementSource
func (s StaticSource) LookupActiveEntitlements(ctx context.Context, identity string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s[identity], nil
}
