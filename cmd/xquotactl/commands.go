package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xquota/pkg/config/xconf"
	"github.com/omeyang/xquota/pkg/observability/xlog"
	"github.com/omeyang/xquota/pkg/resilience/xquota"
)

const (
	defaultConfigKey = "xquota"
	defaultEnvFile   = ".env"

	// maxEvalCount eval 命令单次最多判定次数
	maxEvalCount = 100_000
)

// usageError 表示参数或配置错误，退出码为 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// createCommands 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createValidateCommand(),
		createEvalCommand(),
		createServeCommand(),
	}
}

// loadEnvFile 加载 .env 文件。默认文件不存在时忽略，显式指定的文件必须存在。
func loadEnvFile(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("env-file")
	if path == "" {
		return ctx, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.IsSet("env-file") {
			return ctx, nil
		}
		return ctx, newUsageError("load env file %s: %v", path, err)
	}
	return ctx, nil
}

// loadEngineConfig 读取 --config 指定的配置；未指定时使用内置默认配置
func loadEngineConfig(cmd *cli.Command) (xquota.Config, error) {
	path := cmd.String("config")
	if path == "" {
		cfg := xquota.DefaultConfig()
		return cfg, cfg.Validate()
	}
	xc, err := xconf.New(path)
	if err != nil {
		return xquota.Config{}, newUsageError("%v", err)
	}
	cfg, err := xquota.LoadConfig(xc, cmd.String("key"))
	if err != nil {
		return xquota.Config{}, newUsageError("%v", err)
	}
	return cfg, nil
}

// newLogger 根据全局选项创建日志记录器，写到 stderr
func newLogger(cmd *cli.Command) (xlog.Logger, func() error, error) {
	logger, cleanup, err := xlog.New().
		SetOutput(os.Stderr).
		SetLevelString(cmd.String("log-level")).
		SetFormat(cmd.String("log-format")).
		SetAttrs(xlog.Component("xquotactl")).
		Build()
	if err != nil {
		return nil, nil, newUsageError("%v", err)
	}
	return logger, cleanup, nil
}

// createValidateCommand 创建 validate 子命令。
func createValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "加载并校验配置，打印配额矩阵",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadEngineConfig(cmd)
			if err != nil {
				return err
			}
			return cmdValidate(cmd.Root().Writer, cfg)
		},
	}
}

func cmdValidate(w io.Writer, cfg xquota.Config) error {
	table, err := xquota.NewQuotaTable(cfg)
	if err != nil {
		return newUsageError("%v", err)
	}
	fmt.Fprintln(w, "config OK")
	fmt.Fprintln(w)
	return printQuotaMatrix(w, table)
}

// printQuotaMatrix 打印 类别 × 等级 配额矩阵，突发容量以 +N 表示
func printQuotaMatrix(w io.Writer, table *xquota.QuotaTable) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	ladder := table.Ladder()

	header := []string{"CATEGORY", "WINDOW"}
	for _, tier := range ladder {
		header = append(header, string(tier))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, cat := range table.Categories() {
		row := []string{string(cat), ""}
		for _, tier := range ladder {
			q, err := table.Limit(tier, cat)
			if err != nil {
				return err
			}
			row[1] = q.Window.String()
			cell := strconv.Itoa(q.Limit)
			if q.Burst > 0 {
				cell += "+" + strconv.Itoa(q.Burst)
			}
			row = append(row, cell)
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// createEvalCommand 创建 eval 子命令。
func createEvalCommand() *cli.Command {
	return &cli.Command{
		Name:  "eval",
		Usage: "在进程内引擎上执行若干次判定",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "identity",
				Aliases: []string{"i"},
				Usage:   "调用方身份，为空表示匿名",
			},
			&cli.StringFlag{
				Name:     "category",
				Aliases:  []string{"k"},
				Usage:    "请求类别",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "plan",
				Aliases: []string{"p"},
				Usage:   "该身份持有的订阅计划，可重复",
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "判定次数",
				Value:   1,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadEngineConfig(cmd)
			if err != nil {
				return err
			}
			n := cmd.Int("count")
			if n < 1 || n > maxEvalCount {
				return newUsageError("--count must be in [1, %d], got %d", maxEvalCount, n)
			}
			return cmdEval(ctx, cmd.Root().Writer, cfg, evalRequest{
				identity: cmd.String("identity"),
				category: xquota.Category(cmd.String("category")),
				plans:    cmd.StringSlice("plan"),
				count:    n,
			})
		},
	}
}

type evalRequest struct {
	identity string
	category xquota.Category
	plans    []string
	count    int
}

func cmdEval(ctx context.Context, w io.Writer, cfg xquota.Config, req evalRequest) error {
	source := xquota.StaticSource{}
	if req.identity != "" && len(req.plans) > 0 {
		source[req.identity] = req.plans
	}

	store, err := xquota.NewLocalStore(xquota.WithSweepSchedule(""))
	if err != nil {
		return err
	}
	engine, err := xquota.New(cfg, source, store)
	if err != nil {
		return newUsageError("%v", err)
	}
	defer func() { _ = engine.Close(context.Background()) }() //nolint:errcheck // 进程即将退出

	var lastDenied *xquota.Decision
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tADMITTED\tTIER\tCOUNT\tLIMIT\tREMAINING\tRETRY_AFTER\tREASON")
	for i := 1; i <= req.count; i++ {
		d := engine.Evaluate(ctx, req.identity, req.category)
		fmt.Fprintf(tw, "%d\t%t\t%s\t%d\t%s\t%d\t%s\t%s\n",
			i, d.Admitted, d.Tier, d.Count, formatLimit(d), d.Remaining, formatRetry(d.RetryAfter), d.Reason)
		if !d.Admitted {
			lastDenied = &d
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	// 只打印最后一次拒绝的说明
	if lastDenied != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, lastDenied.Message())
	}
	return nil
}

func formatLimit(d xquota.Decision) string {
	if d.Burst > 0 {
		return fmt.Sprintf("%d+%d", d.Limit, d.Burst)
	}
	return strconv.Itoa(d.Limit)
}

func formatRetry(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}
