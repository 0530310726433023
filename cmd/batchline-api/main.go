package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/config"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/database"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/server"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/users"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/votes"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "batchline-api",
		Short: "Batchline real-time chat and notification service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")
	cmd.PersistentFlags().Int("rate-limit-messages", defaults.GetInt("ratelimit.messages"), "Messages allowed per user per window")
	cmd.PersistentFlags().Duration("rate-limit-window", defaults.GetDuration("ratelimit.window"), "Rate limit window")
	cmd.PersistentFlags().Duration("channel-grace-period", defaults.GetDuration("channels.grace_period"), "Idle time before an empty channel is deleted")
	cmd.PersistentFlags().Duration("channel-sweep-interval", defaults.GetDuration("channels.sweep_interval"), "Interval of the idle channel sweep")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "ratelimit.messages", "rate-limit-messages")
	bindFlag(cmd, "ratelimit.window", "rate-limit-window")
	bindFlag(cmd, "channels.grace_period", "channel-grace-period")
	bindFlag(cmd, "channels.sweep_interval", "channel-sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
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

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(time.Now)

	roomStore, err := rooms.NewStore(rooms.StoreConfig{
		Database:   db,
		MessageIDs: ids.NewULIDProvider(time.Now),
		ChannelIDs: ids.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var pushSender notifications.PushSender
	pushPublicKey := ""
	if appConfig.PushEnabled() {
		sender, err := notifications.NewWebPushSender(notifications.WebPushConfig{
			PublicKey:  appConfig.VAPIDPublicKey,
			PrivateKey: appConfig.VAPIDPrivateKey,
			Subscriber: appConfig.PushSubscriber,
			TTLSeconds: appConfig.PushTTLSeconds,
		})
		if err != nil {
			return err
		}
		pushSender = sender
		pushPublicKey = sender.PublicKey()
	} else {
		logger.Info("push delivery disabled; vapid keys not configured")
	}

	notificationStore, err := notifications.NewStore(notifications.StoreConfig{
		Database: db,
		IDs:      ids.NewUUIDProvider(),
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	notifier, err := notifications.NewService(notifications.ServiceConfig{
		Store:       notificationStore,
		Live:        registry,
		Directory:   profiles,
		Push:        pushSender,
		LinkBaseURL: appConfig.PushLinkBaseURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	roomRouter, err := rooms.NewRouter(rooms.Config{
		Messages: roomStore,
		Channels: roomStore,
		Registry: registry,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Limit:  appConfig.RateLimitMessages,
			Window: appConfig.RateLimitWindow,
		}),
		Directory: profiles,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:         roomStore,
		Registry:      registry,
		GracePeriod:   appConfig.GracePeriod,
		SweepInterval: appConfig.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	engine, err := votes.NewEngine(votes.EngineConfig{
		Database:     db,
		IDs:          ids.NewUUIDProvider(),
		UpvoteEmojis: appConfig.UpvoteEmojis,
		Notifier:     notifier,
		Directory:    profiles,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Registry:       registry,
		Rooms:          roomRouter,
		Profiles:       profiles,
		Notifications:  notifier,
		Votes:          engine,
		PushPublicKey:  pushPublicKey,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(signalCtx)
	defer func() {
		manager.Stop()
		manager.Wait()
	}()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
