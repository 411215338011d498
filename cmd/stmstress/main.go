// Команда stmstress нагружает движок go-stm конкурентными транзакциями и
// сравнивает его с github.com/anacrolix/stm.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/urfave/cli.v1"

	"go-stm/stm"
	"go-stm/stmprom"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	goroutinesFlag = cli.IntFlag{
		Name:  "goroutines",
		Usage: "Number of concurrent workers",
	}
	opsFlag = cli.IntFlag{
		Name:  "ops",
		Usage: "Transactions per worker",
	}
	refsFlag = cli.IntFlag{
		Name:  "refs",
		Usage: "Number of shared counters",
	}
	modeFlag = cli.StringFlag{
		Name:  "mode",
		Usage: "Workload: plain, commute or retry",
	}
	rateFlag = cli.Float64Flag{
		Name:  "rate",
		Usage: "Transactions per second per worker (0 = unlimited)",
	}
	engineFlag = cli.StringFlag{
		Name:  "engine",
		Usage: "Engine under test: stm or anacrolix",
	}
	maxRetriesFlag = cli.IntFlag{
		Name:  "maxretries",
		Usage: "Attempt limit of a single atomic block",
	}
	timeoutFlag = cli.StringFlag{
		Name:  "timeout",
		Usage: "Retry wait budget per atomic block, e.g. 500ms",
	}
	thresholdFlag = cli.IntFlag{
		Name:  "threshold",
		Usage: "Readonly arrivals before a reference becomes read-biased (0 disables)",
	}
	spinFlag = cli.IntFlag{
		Name:  "spin",
		Usage: "Spin iterations of non-transactional operations on a locked reference",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve Prometheus metrics on this address while running",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "loglevel",
		Value: "info",
		Usage: "Log level: debug, info, warn or error",
	}

	stressFlags = []cli.Flag{
		configFileFlag,
		goroutinesFlag,
		opsFlag,
		refsFlag,
		modeFlag,
		rateFlag,
		engineFlag,
		maxRetriesFlag,
		timeoutFlag,
		thresholdFlag,
		spinFlag,
		metricsAddrFlag,
		logLevelFlag,
	}

	dumpConfigCommand = cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		Description: `The dumpconfig command prints the effective configuration as TOML.`,
	}
)

var app = cli.NewApp()

func init() {
	app.Name = "stmstress"
	app.Usage = "stress and compare software transactional memory engines"
	app.Action = stress
	app.Commands = []cli.Command{dumpConfigCommand}
	app.Flags = stressFlags
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ctx.GlobalString(logLevelFlag.Name))); err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func stress(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rep report
	switch cfg.Engine.Name {
	case engineAnacrolix:
		rep, err = runAnacrolix(runCtx, cfg, logger)
	default:
		s := stm.New(runCtx, append(cfg.stmOptions(), stm.WithLogger(logger))...)
		defer s.Close()

		if addr := ctx.GlobalString(metricsAddrFlag.Name); addr != "" {
			shutdown := serveMetrics(addr, s, logger)
			defer shutdown()
		}
		rep, err = runSTM(runCtx, s, cfg, logger)
	}

	fmt.Println(rep)
	if err != nil {
		return err
	}
	return rep.check()
}

// serveMetrics поднимает HTTP-эндпоинт /metrics с коллектором экземпляра.
func serveMetrics(addr string, s *stm.STM, logger *slog.Logger) (shutdown func()) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(stmprom.NewCollector(s, s.ID().String()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
