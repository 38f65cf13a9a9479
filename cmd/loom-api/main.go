package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomdocs/loom/backend/internal/auth"
	"github.com/loomdocs/loom/backend/internal/collab"
	"github.com/loomdocs/loom/backend/internal/config"
	"github.com/loomdocs/loom/backend/internal/database"
	"github.com/loomdocs/loom/backend/internal/logging"
	"github.com/loomdocs/loom/backend/internal/server"
	"github.com/loomdocs/loom/backend/internal/session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom-api",
		Short: "Loom collaborative document backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("persist-debounce-seconds", defaults.GetInt("sync.persist_debounce_seconds"), "Delay before a dirty room state is persisted")
	cmd.PersistentFlags().Int("presence-ttl-seconds", defaults.GetInt("presence.ttl_seconds"), "Presence rows older than this are marked offline")
	cmd.PersistentFlags().Int("presence-sweep-interval-seconds", defaults.GetInt("presence.sweep_interval_seconds"), "Interval between stale presence sweeps")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.persist_debounce_seconds", "persist-debounce-seconds")
	bindFlag(cmd, "presence.ttl_seconds", "presence-ttl-seconds")
	bindFlag(cmd, "presence.sweep_interval_seconds", "presence-sweep-interval-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
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

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	store, err := collab.NewStore(collab.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: collab.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	merger, err := collab.NewMerger(collab.MergerConfig{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	broker, err := session.NewBroker(session.BrokerConfig{
		Store:        store,
		Clock:        time.Now,
		Logger:       logger,
		PersistDelay: appConfig.PersistDebounce,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Merger:       merger,
		Broker:       broker,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepStalePresence(signalCtx, store, appConfig.PresenceTTL, appConfig.PresenceSweepInterval, logger)

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
		broker.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepStalePresence periodically marks presence rows offline when their
// owners stopped heartbeating, covering clients that vanished without a
// clean disconnect.
func sweepStalePresence(ctx context.Context, store *collab.Store, ttl, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := store.CleanupStalePresence(ctx, ttl)
			if err != nil {
				logger.Warn("stale presence sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				logger.Info("stale presence swept", zap.Int64("rows", swept))
			}
		}
	}
}
