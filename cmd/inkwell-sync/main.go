package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pressfield/inkwell/backend/internal/access"
	"github.com/pressfield/inkwell/backend/internal/auth"
	"github.com/pressfield/inkwell/backend/internal/config"
	"github.com/pressfield/inkwell/backend/internal/crdt"
	"github.com/pressfield/inkwell/backend/internal/database"
	"github.com/pressfield/inkwell/backend/internal/logging"
	"github.com/pressfield/inkwell/backend/internal/room"
	"github.com/pressfield/inkwell/backend/internal/server"
	"github.com/pressfield/inkwell/backend/internal/store"
	"github.com/pressfield/inkwell/backend/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkwell-sync",
		Short: "Inkwell collaborative document sync service",
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
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Expected bearer token issuer")
	cmd.PersistentFlags().String("token-audience", defaults.GetString("auth.audience"), "Expected bearer token audience")
	cmd.PersistentFlags().Int("room-grace-seconds", defaults.GetInt("room.grace_seconds"), "Seconds an empty room is kept before unloading")
	cmd.PersistentFlags().Int("room-settle-seconds", defaults.GetInt("room.settle_seconds"), "Seconds of quiet before a dirty room is persisted")
	cmd.PersistentFlags().Int("room-persist-retries", defaults.GetInt("room.persist_retries"), "Persistence attempts before a drained room gives up")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "auth.audience", "token-audience")
	bindFlag(cmd, "room.grace_seconds", "room-grace-seconds")
	bindFlag(cmd, "room.settle_seconds", "room-settle-seconds")
	bindFlag(cmd, "room.persist_retries", "room-persist-retries")
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

	taskQueue := tasks.NewQueue(tasks.QueueConfig{Logger: logger})

	documentStore, err := store.NewStore(store.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resolver, err := access.NewResolver(access.ResolverConfig{
		Database: db,
		Tasks:    taskQueue,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	registry, err := room.NewRegistry(room.RegistryConfig{
		Engine:         crdt.NewUpdateSetEngine(),
		Store:          documentStore,
		Tasks:          taskQueue,
		Logger:         logger,
		GracePeriod:    appConfig.RoomGrace,
		SettleWindow:   appConfig.SettleWindow,
		PersistRetries: appConfig.PersistRetries,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier: verifier,
		Resolver: resolver,
		Rooms:    registry,
		Logger:   logger,
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
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		registry.Shutdown(shutdownCtx)
		return taskQueue.Close(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
