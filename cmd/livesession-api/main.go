package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/auth"
	"github.com/MarcoPoloResearchLab/livesession/internal/config"
	"github.com/MarcoPoloResearchLab/livesession/internal/database"
	"github.com/MarcoPoloResearchLab/livesession/internal/identity"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/live"
	"github.com/MarcoPoloResearchLab/livesession/internal/logging"
	"github.com/MarcoPoloResearchLab/livesession/internal/notes"
	"github.com/MarcoPoloResearchLab/livesession/internal/presence"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/MarcoPoloResearchLab/livesession/internal/seed"
	"github.com/MarcoPoloResearchLab/livesession/internal/server"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"github.com/MarcoPoloResearchLab/livesession/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livesession-api",
		Short: "Live classroom session server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSeedCommand(), newEvictStaleCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated allowed origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected credential issuer")
	cmd.PersistentFlags().Int("outbox-size", defaults.GetInt("realtime.outbox_size"), "Per-channel outbound event buffer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "realtime.outbox_size", "outbox-size")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newSeedCommand() *cobra.Command {
	var fixturePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create live sessions from a YAML fixture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStorageTask(func(db *gorm.DB, logger *zap.Logger) error {
				file, err := seed.LoadFile(fixturePath)
				if err != nil {
					return err
				}
				directory, err := sessions.NewDirectory(sessions.DirectoryConfig{
					Database:   db,
					IDProvider: ids.NewUUIDProvider(),
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				result, err := seed.Apply(cmd.Context(), directory, file, logger)
				if err != nil {
					return err
				}
				logger.Info("seed complete", zap.Int("created", result.Created), zap.Int("skipped", result.Skipped))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fixturePath, "file", "sessions.yaml", "Path to the session fixture file")
	return cmd
}

func newEvictStaleCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "evict-stale",
		Short: "Mark participants without a recent liveness signal inactive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return runStorageTask(func(db *gorm.DB, logger *zap.Logger) error {
				manager, err := presence.NewManager(presence.ManagerConfig{
					Database:   db,
					IDProvider: ids.NewUUIDProvider(),
					Logger:     logger,
				})
				if err != nil {
					return err
				}
				evicted, err := manager.EvictStale(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				logger.Info("stale participants evicted", zap.Int64("count", evicted), zap.Duration("older_than", olderThan))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "Evict participants idle for longer than this")
	return cmd
}

func runStorageTask(task func(db *gorm.DB, logger *zap.Logger) error) error {
	appConfig, err := config.LoadStorage(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return task(db, logger)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ids.NewUUIDProvider()

	directory, err := sessions.NewDirectory(sessions.DirectoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	presenceManager, err := presence.NewManager(presence.ManagerConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Gate:       directory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	lifecycle, err := sessions.NewLifecycle(sessions.LifecycleConfig{
		Database: db,
		Clock:    time.Now,
		Roster:   presenceManager,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	noteStore, err := notes.NewStore(notes.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewCredentialValidator(auth.CredentialValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	resolver := identity.NewResolver(identity.ResolverConfig{
		Validator: validator,
		Profiles:  userService,
		Logger:    logger,
	})

	hub, err := live.NewHub(live.HubConfig{
		Directory: directory,
		Lifecycle: lifecycle,
		Presence:  presenceManager,
		Notes:     noteStore,
		Router:    realtime.NewRouter(logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Directory:      directory,
		Presence:       presenceManager,
		Identities:     resolver,
		Hub:            hub,
		IDProvider:     idProvider,
		AllowedOrigins: appConfig.AllowedOrigins,
		OutboxSize:     appConfig.OutboxSize,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
