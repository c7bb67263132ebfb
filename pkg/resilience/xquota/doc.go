// Package xquota 提供按订阅等级、请求类别和固定时间窗口进行准入控制的引擎。
//
// # 设计理念
//
// 每个请求先解析调用方的订阅等级（带缓存、异步、有界超时），再按
// (等级, 类别) 取配额，在固定窗口内原子地检查并递增计数，最后返回
// 带元数据的准入决策（等级、计数、配额、重置时间、升级提示）。
//
// 等级查询失败时一律降级到最低等级（fail-closed），从不因为权益服务
// 故障而放宽限制，也从不把内部错误抛给调用方。
//
// # 核心概念
//
//   - TierResolver：身份 → 等级，ristretto 缓存 + singleflight + 熔断
//   - QuotaTable：不可变的 (等级, 类别) → 配额表，启动时校验完整性与单调性
//   - BucketStore：固定窗口计数，LocalStore（分片互斥锁）或 RedisStore（Lua 脚本）
//   - Engine：编排以上组件，Evaluate 永不返回错误
//   - Decision：判定结果，可直接写入 HTTP 头或拒绝响应体
//
// # 固定窗口
//
// 窗口按 Unix 纪元对齐：windowStart = floor(now / window) * window。
// 被拒绝的请求不计数，因此窗口重置后的第一个请求计数总是 1。
//
// # 快速开始
//
//	store, err := xquota.NewLocalStore()
//	if err != nil {
//	    return err
//	}
//	engine, err := xquota.New(xquota.DefaultConfig(), source, store,
//	    xquota.WithLogger(logger),
//	    xquota.WithMeterProvider(meterProvider),
//	)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close(context.Background())
//
//	d := engine.Evaluate(ctx, "user-1", xquota.CategoryTrading)
//	if !d.Admitted {
//	    log.Print(d.Message())
//	}
//
// # 存储故障策略
//
// 计数存储不可用时按 Config.StorePolicy 处理：fail_closed（默认）拒绝，
// fail_open 放行并标记 Decision.Degraded。
package xquota
