// qserv-czar runs the coordinator daemon: it accepts analyzed queries,
// dispatches them to workers and serves the dispatch monitor.
package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst/qserv/internal/config"
	"github.com/lsst/qserv/internal/czar"
	"github.com/lsst/qserv/internal/transport"
	"github.com/lsst/qserv/pkg/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "qserv-czar",
		Short: "qserv coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	viper.SetEnvPrefix("QSERV_CZAR")
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
	cfg, err := config.LoadCzar(configPath)
	if err != nil {
		return err
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	resultDb, err := sql.Open("mysql", cfg.ResultDb.DSN)
	if err != nil {
		return fmt.Errorf("open result db: %w", err)
	}
	resultDb.SetMaxOpenConns(cfg.ResultDb.MaxConnections + 2)
	defer resultDb.Close()

	service := transport.NewGrpcService(log)
	cz := czar.New(*cfg, resultDb, service, log)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: cz.MonitorHandler()}
	go func() {
		log.Info("monitor listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("monitor server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	_ = httpServer.Close()
	cz.Shutdown()
	return nil
}
