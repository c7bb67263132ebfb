// Package xentitle 提供 xquota.EntitlementSource 的两种实现：
// 基于订阅服务 HTTP 接口的 HTTPSource，以及直接查询订阅库的 GormSource。
//
// 两者只返回当前有效（状态为 active 且未过期）的计划 ID，
// 计划到等级的映射由 xquota.TierResolver 负责。
//
// # HTTPSource
//
// 调用 GET {base}/v1/identities/{id}/entitlements，响应体形如：
//
//	{"entitlements":[{"plan":"pro","status":"active","expires_at":"2026-12-31T00:00:00Z"}]}
//
// 404 视为该身份没有任何订阅；其余非 2xx 响应返回 *APIError。
//
// # GormSource
//
// 表结构：
//
//	credentials(id, identity, address)
//	subscriptions(id, credential_id, plan, status, expires_at)
//
// 一个身份可以持有多个凭证（如 API Key、钱包地址），任一凭证上的有效订阅都会被返回。
package xentitle
