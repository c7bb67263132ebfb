// Package xlog 基于 log/slog 的结构化日志库，供 xquota 各组件使用。
//
// # 核心功能
//
//   - Builder 模式配置（输出目标、级别、格式、文件轮转）
//   - 动态级别调整（运行时热更新）
//   - 准入控制领域属性（identity、tier、category、reason）
//
// # 创建 Logger
//
// Builder 采用 first-error-wins：遇到第一个配置错误后，Build 返回该错误。
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/xquota/xquota.log").
//	    Build()
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//
// # 上下文
//
// 所有方法都要求传入 context.Context。经 [ContextWithRequestID] 写入的请求 ID
// 会以 request_id 属性自动附加到该 context 上记录的每条日志。
//
// # 测试
//
// [Discard] 返回丢弃全部输出的 Logger，用于单元测试和不需要日志的场景。
package xlog
