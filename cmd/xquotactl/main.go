// xquotactl 是 xquota 准入控制引擎的命令行工具。
//
// 用法:
//
//	xquotactl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config     配置文件路径（YAML/JSON），为空时使用内置默认配置
//	    --key        配置文件中的根路径 (默认: xquota)
//	    --env-file   启动前加载的 .env 文件 (默认: .env，不存在时忽略)
//	    --log-level  日志级别 (默认: info)
//	    --log-format 日志格式 text/json (默认: text)
//
// 命令:
//
//	validate       加载并校验配置，打印配额矩阵
//	eval           在进程内引擎上执行若干次判定并打印结果
//	serve          启动演示 HTTP 服务
//
// 退出码:
//
//	0: 成功
//	1: 运行失败
//	2: 参数或配置错误
//
// 示例:
//
//	xquotactl validate -c quota.yaml
//	xquotactl eval -c quota.yaml --identity alice --plan free --category trading -n 6
//	xquotactl serve -c quota.yaml --addr :8080 --redis localhost:6379
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xquotactl",
		Usage:   "xquota 准入控制命令行工具",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（YAML/JSON）",
				Sources: cli.EnvVars("XQUOTA_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "配置文件中的根路径",
				Value: defaultConfigKey,
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "启动前加载的 .env 文件",
				Value: defaultEnvFile,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "日志级别 (debug/info/warn/error)",
				Value:   "info",
				Sources: cli.EnvVars("XQUOTA_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "日志格式 (text/json)",
				Value: "text",
			},
		},
		Before:         loadEnvFile,
		Commands:       createCommands(),
		DefaultCommand: "help",
		Authors: []any{
			"XQuota Team",
		},
		// 由 run() 统一处理退出码映射
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run(args []string) int {
	app := createApp()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, args); err != nil {
		return exitCode(err)
	}
	return 0
}

// exitCode 将错误映射为退出码并输出错误信息
func exitCode(err error) int {
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
		return 2
	}
	if _, ok := err.(cli.ExitCoder); ok {
		return 2
	}
	fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	return 1
}
