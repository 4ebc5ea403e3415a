// qserv-worker runs a worker daemon: it accepts per-chunk query
// requests over the streaming transport, schedules them across the scan
// tiers and sends framed results back.
package main

import (
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst/qserv/internal/config"
	"github.com/lsst/qserv/internal/memman"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/internal/wcontrol"
	"github.com/lsst/qserv/internal/wdb"
	"github.com/lsst/qserv/internal/wpublish"
	"github.com/lsst/qserv/internal/wsched"
	"github.com/lsst/qserv/pkg/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "qserv-worker",
		Short: "qserv worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	viper.SetEnvPrefix("QSERV_WORKER")
	viper.AutomaticEnv()
	if v := viper.GetString("CONFIG"); v != "" && configPath == "" {
		configPath = v
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return err
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxSqlConns + 2)
	defer db.Close()

	memMan := memman.New(cfg.MemTotalMB * 1024 * 1024)
	bytesPerScan := cfg.BytesPerScanMB * 1024 * 1024

	interactive := wsched.NewScanScheduler("interactive",
		cfg.Sched.Interactive.MaxInFlight, nil, 0, log)
	fast := wsched.NewScanScheduler("fast",
		cfg.Sched.Fast.MaxInFlight, memMan, bytesPerScan, log)
	medium := wsched.NewScanScheduler("medium",
		cfg.Sched.Medium.MaxInFlight, memMan, bytesPerScan, log)
	slow := wsched.NewScanScheduler("slow",
		cfg.Sched.Slow.MaxInFlight, memMan, bytesPerScan, log)
	snail := wsched.NewScanScheduler("snail",
		cfg.Sched.Snail.MaxInFlight, memMan, bytesPerScan, log)
	blend := wsched.NewBlendScheduler(interactive, fast, medium, slow, snail,
		wsched.RatingBounds{
			FastMax:   cfg.Sched.FastMaxRating,
			MediumMax: cfg.Sched.MediumMaxRating,
			SlowMax:   cfg.Sched.SlowMaxRating,
		}, log)

	queries := wpublish.New(wpublish.Config{
		BootBudget:      cfg.Examine.BootBudget(),
		MaxBootedTasks:  cfg.Examine.MaxBootedTasks,
		ExamineInterval: cfg.Examine.Interval(),
		WeightAvg:       cfg.Examine.WeightAvg,
		WeightNew:       cfg.Examine.WeightNew,
	}, blend, log)
	if err := queries.Start(); err != nil {
		return err
	}
	defer queries.Stop()

	sqlConnMgr := wcontrol.NewSqlConnMgr(cfg.MaxSqlConns, cfg.MaxScanSqlConns)
	transmitMgr := wcontrol.NewTransmitMgr(cfg.MaxTransmits, cfg.MaxScanTransmits,
		cfg.TransmitRateBytesPerSec)
	backend := wdb.NewSQLBackend(db, cfg.ScratchDb, log)
	resMgr := wdb.NewChunkResourceMgr(backend, log)
	runner := wdb.NewQueryRunner(db, sqlConnMgr, resMgr, log)

	if cfg.ResultsDir != "" {
		if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
			return fmt.Errorf("results dir: %w", err)
		}
	}

	foreman := wcontrol.NewForeman(wcontrol.ForemanConfig{
		WorkerName:       cfg.Name,
		PoolSize:         cfg.PoolSize,
		ResultsDir:       cfg.ResultsDir,
		ResultsBaseURL:   cfg.ResultsBaseURL,
		FileResultRating: cfg.FileResultRating,
	}, db, blend, queries, sqlConnMgr, transmitMgr, runner, log)
	foreman.Start()
	defer foreman.Shutdown()

	server := transport.NewServer(foreman, log)
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	go func() {
		log.Info("worker listening", "addr", cfg.ListenAddr, "name", cfg.Name)
		if err := server.Serve(lis); err != nil {
			log.Error("transport server failed", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		body, err := foreman.StatusJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	if cfg.ResultsDir != "" {
		mux.Handle("GET /results/",
			http.StripPrefix("/results/", http.FileServer(http.Dir(cfg.ResultsDir))))
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Info("admin listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	_ = httpServer.Close()
	server.Stop()
	return nil
}
