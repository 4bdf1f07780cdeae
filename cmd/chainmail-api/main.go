package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quizvn/chainmail/internal/chain"
	"github.com/quizvn/chainmail/internal/config"
	"github.com/quizvn/chainmail/internal/database"
	"github.com/quizvn/chainmail/internal/delivery"
	"github.com/quizvn/chainmail/internal/logging"
	"github.com/quizvn/chainmail/internal/mailer"
	"github.com/quizvn/chainmail/internal/metrics"
	"github.com/quizvn/chainmail/internal/queue"
	"github.com/quizvn/chainmail/internal/recipients"
	"github.com/quizvn/chainmail/internal/server"
	"github.com/quizvn/chainmail/internal/sweeper"
	"github.com/quizvn/chainmail/internal/templates"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chainmail-api",
		Short: "Quiz follow-up email chain service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("metrics-address", defaults.GetString("metrics.address"), "Metrics listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("merge-window-minutes", defaults.GetInt("chain.merge_window_minutes"), "Merge window width in minutes")
	cmd.PersistentFlags().Int("step-interval-minutes", defaults.GetInt("chain.step_interval_minutes"), "Spacing between chain steps in minutes")
	cmd.PersistentFlags().String("smtp-host", defaults.GetString("smtp.host"), "SMTP server host")
	cmd.PersistentFlags().Int("smtp-port", defaults.GetInt("smtp.port"), "SMTP server port")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "metrics.address", "metrics-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "chain.merge_window_minutes", "merge-window-minutes")
	bindFlag(cmd, "chain.step_interval_minutes", "step-interval-minutes")
	bindFlag(cmd, "smtp.host", "smtp-host")
	bindFlag(cmd, "smtp.port", "smtp-port")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return err
		}
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	metrics.Init()

	catalog := templates.NewCatalog(db)

	registry, err := recipients.NewService(db)
	if err != nil {
		return err
	}

	sender := &mailer.Sender{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		User:     appConfig.SMTPUser,
		Password: appConfig.SMTPPassword,
		From:     appConfig.SMTPFrom,
	}

	processor, err := delivery.NewProcessor(delivery.ProcessorConfig{
		Database: db,
		Catalog:  catalog,
		Mailer:   sender,
		Limiter:  rate.NewLimiter(rate.Limit(appConfig.SendRatePerSec), appConfig.SendRatePerSec),
		Metrics:  metrics.DeliverySink{},
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	delayQueue, err := queue.New(queue.Config{
		Workers: appConfig.QueueWorkers,
		Buffer:  appConfig.QueueBuffer,
	}, processor.Handle, logger)
	if err != nil {
		return err
	}

	scheduler, err := chain.NewScheduler(chain.SchedulerConfig{
		Database:   db,
		Queue:      delayQueue,
		Catalog:    catalog,
		Recipients: registry,
		Metrics:    metrics.SchedulerSink{},
		Clock:      time.Now,
		Logger:     logger,
		Policy: chain.Policy{
			MergeWindow:  appConfig.MergeWindow,
			StepInterval: appConfig.StepInterval,
			MaxAttempts:  appConfig.MaxAttempts,
			RetryBackoff: appConfig.RetryBackoff,
		},
	})
	if err != nil {
		return err
	}

	sweep, err := sweeper.New(sweeper.Config{
		Schedule:    appConfig.SweepSchedule,
		Grace:       appConfig.SweepGrace,
		MaxAttempts: appConfig.MaxAttempts,
		Backoff:     appConfig.RetryBackoff,
	}, db, delayQueue, registry, time.Now, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	delayQueue.Start(signalCtx)
	defer delayQueue.Stop()

	if err := sweep.Start(signalCtx); err != nil {
		return err
	}
	defer sweep.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    appConfig.MetricsAddress,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server starting", zap.String("address", appConfig.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
