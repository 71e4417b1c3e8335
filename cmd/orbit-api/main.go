package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/access"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/config"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/database"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/server"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/store"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/whiteboard"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orbit-api",
		Short: "Orbit real-time collaboration service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated list of allowed origins")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the presence mirror (empty disables it)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

func newMintSessionCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "mint-session",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionSubject{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", appConfig.SessionCookieName, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id the token is issued for")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Optional display name claim")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	documentStore, err := store.New(store.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Verifier: sessionValidator,
		Users:    documentStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var (
		observers      []realtime.PresenceObserver
		presenceReader server.PresenceReader
	)
	if appConfig.RedisEnabled() {
		mirror, err := cache.NewPresenceMirror(cache.MirrorConfig{
			Client: cache.NewRedisClient(appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer mirror.Close() //nolint:errcheck
		pingCtx, cancel := context.WithTimeout(signalCtx, 2*time.Second)
		if err := mirror.Ping(pingCtx); err != nil {
			logger.Warn("redis presence mirror unreachable, continuing", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		}
		cancel()
		go mirror.Run(signalCtx)
		observers = append(observers, mirror)
		presenceReader = mirror
	}

	registry := realtime.NewRegistry(logger)
	hub := realtime.NewHub(logger)
	presence := realtime.NewPresenceTracker(observers...)
	coordinator := realtime.NewCoordinator(registry, hub, presence, logger)

	guard, err := access.NewGuard(documentStore, logger)
	if err != nil {
		return err
	}
	notifier, err := notify.NewService(notify.Config{
		Rooms:     documentStore,
		Deliverer: registry,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	idProvider := model.NewUUIDProvider()
	broker, err := chat.NewBroker(chat.BrokerConfig{
		Store:           documentStore,
		Guard:           guard,
		Rooms:           hub,
		Notifier:        notifier,
		IDProvider:      idProvider,
		Clock:           time.Now,
		MaxMessageRunes: appConfig.MaxMessageChars,
		DefaultPageSize: appConfig.DefaultPageSize,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	engine, err := whiteboard.NewEngine(whiteboard.EngineConfig{
		Store:      documentStore,
		Rooms:      hub,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver:        resolver,
		Coordinator:     coordinator,
		Hub:             hub,
		Presence:        presence,
		PresenceMirror:  presenceReader,
		Guard:           guard,
		Broker:          broker,
		Whiteboard:      engine,
		Notifier:        notifier,
		Tasks:           documentStore,
		IDProvider:      idProvider,
		AllowedOrigins:  appConfig.AllowedOrigins,
		MaxMessageBytes: appConfig.MaxMessageBytes,
		SendBuffer:      appConfig.SendBuffer,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("presence_mirror", appConfig.RedisEnabled()))
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
