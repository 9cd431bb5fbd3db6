// fxsignald is the FX signal service daemon.
//
//	fxsignald run     --config config/fxsignal.yaml
//	fxsignald replay  --config config/fxsignal.yaml --since 2026-08-01T00:00:00Z
//	fxsignald halt    --addr localhost:8080 [--code 123456]
//	fxsignald resume  --addr localhost:8080 [--code 123456]
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 bad invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"fxsignal/internal/broker"
	"fxsignal/internal/clock"
	"fxsignal/internal/config"
	"fxsignal/internal/dispatch"
	"fxsignal/internal/gateway"
	"fxsignal/internal/indicator"
	"fxsignal/internal/logger"
	"fxsignal/internal/metrics"
	"fxsignal/internal/model"
	"fxsignal/internal/ops"
	"fxsignal/internal/risk"
	"fxsignal/internal/scheduler"
	"fxsignal/internal/signal"
	redisstore "fxsignal/internal/store/redis"
	sqlitestore "fxsignal/internal/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)

	switch cmd {
	case "run":
		configPath := fs.String("config", "config/fxsignal.yaml", "path to config file")
		fs.Parse(os.Args[2:])
		os.Exit(runService(*configPath, time.Time{}))

	case "replay":
		configPath := fs.String("config", "config/fxsignal.yaml", "path to config file")
		sinceRaw := fs.String("since", "", "replay start (RFC3339), required")
		fs.Parse(os.Args[2:])
		since, err := time.Parse(time.RFC3339, *sinceRaw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay: --since must be RFC3339: %v\n", err)
			os.Exit(2)
		}
		os.Exit(runService(*configPath, since))

	case "halt", "resume":
		addr := fs.String("addr", "localhost:8080", "ops API address")
		code := fs.String("code", "", "TOTP code (generated from FXSIGNAL_TOTP_SECRET when empty)")
		fs.Parse(os.Args[2:])
		os.Exit(opsCommand(cmd, *addr, *code))

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fxsignald <run|replay|halt|resume> [flags]")
}

// riskSink persists risk controller state to SQLite and mirrors transitions
// to Redis for live subscribers.
type riskSink struct {
	store *sqlitestore.Store
	pub   *redisstore.Publisher
}

func (s *riskSink) LoadPortfolioState(ctx context.Context) (*model.PortfolioState, error) {
	return s.store.LoadPortfolioState(ctx)
}

func (s *riskSink) SavePortfolioState(ctx context.Context, st *model.PortfolioState) error {
	if s.pub != nil {
		s.pub.PublishPortfolio(ctx, st)
	}
	return s.store.SavePortfolioState(ctx, st)
}

func (s *riskSink) AppendEmergencyEvent(ctx context.Context, ev *model.EmergencyEvent) error {
	if err := s.store.AppendEmergencyEvent(ctx, ev); err != nil {
		return err
	}
	if s.pub != nil {
		s.pub.PublishEmergency(ctx, ev)
	}
	return nil
}

// runService wires the whole pipeline. A non-zero since runs a bounded
// replay instead of the live loops.
func runService(configPath string, since time.Time) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	zlog := logger.Init("fxsignald", cfg.LogLevel)
	defer zlog.Sync()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, zlog)
	if err != nil {
		zlog.Error("sqlite open failed", zap.Error(err))
		return 1
	}
	defer store.Close()

	prom := metrics.New(nil)
	health := metrics.NewHealthStatus()

	// Redis is optional: without it streaming degrades to the in-process
	// feed and signals still persist to SQLite.
	pub, err := redisstore.NewPublisher(redisstore.Config{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
	}, zlog)
	if err != nil {
		zlog.Warn("redis unavailable, streaming degraded", zap.Error(err))
		pub = nil
	} else {
		defer pub.Close()
	}

	ctrl := risk.NewController(cfg.Risk, &riskSink{store: store, pub: pub}, clock.Real{}, zlog)
	if err := ctrl.RestoreFromStore(ctx); err != nil {
		zlog.Error("portfolio restore failed", zap.Error(err))
		return 1
	}

	cache := indicator.NewCache(store, zlog)
	eng := signal.NewEngine(cfg.StrategyFor, cache.Snapshot, nil, zlog)
	eng.SetDropHook(func(filter string) {
		prom.FiltersDropped.WithLabelValues(filter).Inc()
	})

	disp := dispatch.New(cfg.Dispatch, store, clock.Real{}, zlog)
	disp.SetMetrics(prom)
	if err := disp.RestorePending(ctx); err != nil {
		zlog.Warn("envelope restore failed", zap.Error(err))
	}

	brk := broker.New(broker.Config{
		BaseURL:    cfg.Broker.BaseURL,
		Token:      cfg.Broker.Token,
		Account:    cfg.Broker.Account,
		Timeout:    cfg.Broker.Timeout,
		MaxGapBars: cfg.Broker.MaxGapBars,
	}, zlog)
	brk.SetMetrics(prom)

	var schedPub scheduler.Publisher
	if pub != nil {
		schedPub = pub
	}
	sched, err := scheduler.New(cfg, brk, cache, eng, ctrl, store, disp, schedPub, clock.Real{}, prom, zlog)
	if err != nil {
		zlog.Error("scheduler init failed", zap.Error(err))
		return 1
	}
	sched.SetHealth(health)

	if !since.IsZero() {
		return runReplay(ctx, sched, disp, zlog, since)
	}

	hub := gateway.NewHub(cfg.Gateway, prom, zlog)
	feed := sched.Feed()
	if pub != nil {
		sub, serr := redisstore.NewSubscriber(redisstore.Config{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
		}, zlog)
		if serr == nil {
			if ch, cerr := sub.SubscribeSignals(ctx); cerr == nil {
				feed = ch
			} else {
				zlog.Warn("redis subscribe failed, using in-process feed", zap.Error(cerr))
			}
			defer sub.Close()
		}
	}
	go hub.Run(ctx, feed)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, zlog)
	metricsSrv.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Stop(sctx)
	}()

	var rdb *goredis.Client
	if pub != nil {
		rdb = pub.Client()
	}
	health.StartLivenessChecker(ctx, rdb, store.DB(), 15*time.Second)

	opsSrv := ops.NewServer(cfg.OpsAddr, cfg.TOTPSecret, ctrl, store, sched, health, hub.HandleWS, zlog)
	go func() {
		if err := opsSrv.Start(); err != nil {
			zlog.Error("ops server failed", zap.Error(err))
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		opsSrv.Stop(sctx)
	}()

	go disp.Run(ctx)

	zlog.Info("fxsignald running",
		zap.Strings("pairs", cfg.Pairs),
		zap.Strings("timeframes", cfg.Timeframes))
	if err := sched.Start(ctx); err != nil {
		zlog.Error("scheduler failed", zap.Error(err))
		return 1
	}
	zlog.Info("shutdown complete")
	return 0
}

// runReplay re-runs the pipeline from history and drains the dispatcher
// before exiting.
func runReplay(ctx context.Context, sched *scheduler.Scheduler, disp *dispatch.Dispatcher, zlog *zap.Logger, since time.Time) int {
	dispCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go disp.Run(dispCtx)

	if err := sched.Replay(ctx, since); err != nil {
		zlog.Error("replay failed", zap.Error(err))
		return 1
	}

	deadline := time.Now().Add(2 * time.Minute)
	for disp.QueueDepth() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(time.Second):
		}
	}
	zlog.Info("replay complete", zap.Time("since", since))
	return 0
}

// opsCommand calls the running daemon's halt/resume endpoint.
func opsCommand(action, addr, code string) int {
	if code == "" {
		if secret := os.Getenv("FXSIGNAL_TOTP_SECRET"); secret != "" {
			generated, err := totp.GenerateCode(secret, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: totp generation failed: %v\n", action, err)
				return 1
			}
			code = generated
		}
	}

	url := fmt.Sprintf("http://%s/api/risk/%s", addr, action)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
		return 1
	}
	if code != "" {
		req.Header.Set("X-TOTP-Code", code)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "%s: daemon returned %s\n", action, resp.Status)
		return 1
	}
	fmt.Printf("%s accepted\n", action)
	return 0
}
