package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xquota/pkg/business/xentitle"
	"github.com/omeyang/xquota/pkg/observability/xlog"
	"github.com/omeyang/xquota/pkg/resilience/xquota"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	requestIDHeader        = "X-Request-ID"
)

// serveOptions serve 命令参数
type serveOptions struct {
	addr            string
	redisAddr       string
	postgresDSN     string
	entitlementsURL string
	entitlementsTok string
	jwtSecret       string
	connectAttempts uint
	shutdownTimeout time.Duration
}

// createServeCommand 创建 serve 子命令。
func createServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动演示 HTTP 服务",
		Description: `路由:
  GET /v1/{category}/ping   受 HTTPMiddleware 保护，每个已配置类别一条
  GET /v1/usage             当前身份在各类别的用量
  GET /metrics              Prometheus 指标
  GET /healthz              健康检查

身份: 指定 --jwt-secret 时取 HS256 Bearer Token 的 sub，否则所有请求共享匿名分区
订阅来源优先级: --entitlements-url > --postgres > 空（所有身份均为最低等级）
计数存储: 指定 --redis 时使用 Redis，否则使用进程内存储`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "监听地址",
				Value: defaultAddr,
			},
			&cli.StringFlag{
				Name:    "redis",
				Usage:   "Redis 地址，为空时使用进程内存储",
				Sources: cli.EnvVars("XQUOTA_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "postgres",
				Usage:   "订阅库 PostgreSQL DSN",
				Sources: cli.EnvVars("XQUOTA_POSTGRES_DSN"),
			},
			&cli.StringFlag{
				Name:    "entitlements-url",
				Usage:   "订阅服务地址",
				Sources: cli.EnvVars("XQUOTA_ENTITLEMENTS_URL"),
			},
			&cli.StringFlag{
				Name:    "entitlements-token",
				Usage:   "访问订阅服务的 Bearer Token",
				Sources: cli.EnvVars("XQUOTA_ENTITLEMENTS_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "校验 Bearer Token 的 HS256 密钥，为空时不识别任何身份",
				Sources: cli.EnvVars("XQUOTA_JWT_SECRET"),
			},
			&cli.UintFlag{
				Name:  "connect-attempts",
				Usage: "启动时连接 Redis/数据库的最大尝试次数",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "优雅关闭超时时间",
				Value: defaultShutdownTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadEngineConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }() //nolint:errcheck // 进程即将退出

			return cmdServe(ctx, cfg, logger, serveOptions{
				addr:            cmd.String("addr"),
				redisAddr:       cmd.String("redis"),
				postgresDSN:     cmd.String("postgres"),
				entitlementsURL: cmd.String("entitlements-url"),
				entitlementsTok: cmd.String("entitlements-token"),
				jwtSecret:       cmd.String("jwt-secret"),
				connectAttempts: max(cmd.Uint("connect-attempts"), 1),
				shutdownTimeout: cmd.Duration("shutdown-timeout"),
			})
		},
	}
}

// server serve 命令组装出的运行时组件
type server struct {
	engine   *xquota.Engine
	identity xquota.IdentityFunc
	registry *prometheus.Registry
	meter    *sdkmetric.MeterProvider
	logger   xlog.Logger
	closers  []func(context.Context) error
}

func cmdServe(ctx context.Context, cfg xquota.Config, logger xlog.Logger, opts serveOptions) error {
	srv, err := newServer(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "http server listening", slog.String("addr", opts.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", opts.addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), opts.shutdownTimeout)
		defer cancel()
		logger.Info(shutdownCtx, "shutting down")
		return errors.Join(httpServer.Shutdown(shutdownCtx), srv.close(shutdownCtx))
	})
	return g.Wait()
}

// newServer 按参数组装订阅来源、计数存储与引擎
func newServer(ctx context.Context, cfg xquota.Config, logger xlog.Logger, opts serveOptions) (*server, error) {
	srv := &server{
		identity: newIdentity(ctx, logger, opts.jwtSecret),
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	ok := false
	defer func() {
		if !ok {
			_ = srv.close(context.WithoutCancel(ctx)) //nolint:errcheck // 组装失败时尽力释放
		}
	}()

	exporter, err := otelprom.New(otelprom.WithRegisterer(srv.registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	srv.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	srv.closers = append(srv.closers, srv.meter.Shutdown)

	source, err := srv.newSource(ctx, opts)
	if err != nil {
		return nil, err
	}
	store, err := srv.newStore(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	engine, err := xquota.New(cfg, source, store,
		xquota.WithLogger(logger.With(xlog.Component("xquota"))),
		xquota.WithMeterProvider(srv.meter),
	)
	if err != nil {
		_ = store.Close(ctx) //nolint:errcheck // 引擎未接管存储
		return nil, err
	}
	srv.engine = engine
	srv.closers = append(srv.closers, engine.Close)

	ok = true
	return srv, nil
}

// newIdentity 只信任上游写入 context 的身份和签名有效的 JWT
func newIdentity(ctx context.Context, logger xlog.Logger, secret string) xquota.IdentityFunc {
	if secret == "" {
		logger.Warn(ctx, "no jwt secret configured, every request shares the anonymous quota")
		return xquota.ContextIdentity()
	}
	key := []byte(secret)
	return xquota.FirstIdentity(
		xquota.ContextIdentity(),
		xquota.JWTIdentity(func(*jwt.Token) (any, error) { return key, nil }, jwt.SigningMethodHS256.Alg()),
	)
}

// connect 启动阶段的有界重试，不用于请求路径
func connect(ctx context.Context, logger xlog.Logger, what string, attempts uint, fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn(ctx, "connect failed, retrying",
				slog.String("target", what),
				slog.Uint64("attempt", uint64(n)+1),
				xlog.Err(err),
			)
		}),
	).Do(fn)
}

func (s *server) newSource(ctx context.Context, opts serveOptions) (xquota.EntitlementSource, error) {
	switch {
	case opts.entitlementsURL != "":
		src, err := xentitle.NewHTTPSource(xentitle.HTTPSourceConfig{
			BaseURL: opts.entitlementsURL,
			Token:   opts.entitlementsTok,
		}, xentitle.WithHTTPLogger(s.logger.With(xlog.Component("xentitle"))))
		if err != nil {
			return nil, newUsageError("%v", err)
		}
		return src, nil

	case opts.postgresDSN != "":
		db, err := xentitle.OpenPostgres(opts.postgresDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		src, err := xentitle.NewGormSource(db)
		if err != nil {
			return nil, err
		}
		if err := connect(ctx, s.logger, "postgres", opts.connectAttempts, func() error {
			return src.Ping(ctx)
		}); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return src, nil

	default:
		s.logger.Warn(ctx, "no entitlement source configured, every identity resolves to the lowest tier")
		return xquota.StaticSource{}, nil
	}
}

func (s *server) newStore(ctx context.Context, cfg xquota.Config, opts serveOptions) (xquota.BucketStore, error) {
	if opts.redisAddr == "" {
		return xquota.NewLocalStore(
			xquota.WithSweepSchedule(cfg.SweepSchedule),
			xquota.WithStoreLogger(s.logger.With(xlog.Component("xquota.store"))),
		)
	}

	client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
	s.closers = append(s.closers, func(context.Context) error { return client.Close() })
	if err := connect(ctx, s.logger, "redis", opts.connectAttempts, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return xquota.NewRedisStore(client, xquota.WithRedisKeyPrefix(cfg.KeyPrefix))
}

// close 逆序释放资源
func (s *server) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	for _, cat := range s.engine.Table().Categories() {
		mux.Handle("GET /v1/"+string(cat)+"/ping",
			xquota.HTTPMiddleware(s.engine, cat,
				xquota.WithIdentityFunc(s.identity),
			)(http.HandlerFunc(s.handlePing)))
	}
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok")) //nolint:errcheck // 客户端断开无法补救
	})
	return s.withRequestID(mux)
}

// withRequestID 为每个请求分配 X-Request-ID（已有则沿用），
// 写入 context 后引擎日志也会带上 request_id
func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(xlog.ContextWithRequestID(r.Context(), id))

		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			xlog.Duration(time.Since(started)),
		)
	})
}

type pingResponse struct {
	Tier      xquota.Tier     `json:"tier"`
	Category  xquota.Category `json:"category"`
	Count     int             `json:"count"`
	Remaining int             `json:"remaining"`
	Degraded  bool            `json:"degraded,omitempty"`
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	d, _ := xquota.DecisionFromContext(r.Context())
	writeJSON(w, http.StatusOK, pingResponse{
		Tier:      d.Tier,
		Category:  d.Category,
		Count:     d.Count,
		Remaining: d.Remaining,
		Degraded:  d.Degraded,
	})
}

type usageEntry struct {
	Category  xquota.Category `json:"category"`
	Tier      xquota.Tier     `json:"tier"`
	Count     int             `json:"count"`
	Limit     int             `json:"limit"`
	Burst     int             `json:"burst,omitempty"`
	Remaining int             `json:"remaining"`
	Window    string          `json:"window"`
	ResetAt   time.Time       `json:"reset_at"`
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity := s.identity(r)

	usage, err := s.engine.Usage(r.Context(), identity)
	if err != nil {
		s.logger.Warn(r.Context(), "usage lookup failed", xlog.Identity(identity), xlog.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store_unavailable"})
		return
	}

	out := make([]usageEntry, 0, len(usage))
	for _, u := range usage {
		out = append(out, usageEntry{
			Category:  u.Category,
			Tier:      u.Tier,
			Count:     u.Count,
			Limit:     u.Limit,
			Burst:     u.Burst,
			Remaining: u.Remaining,
			Window:    u.Window.String(),
			ResetAt:   u.ResetAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // 客户端断开无法补救
}
