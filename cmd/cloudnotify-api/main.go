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

	"github.com/MarcoPoloResearchLab/cloudnotify/internal/auth"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/config"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/consumer"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/database"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/delivery"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/gateway"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/logging"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/metrics"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/registry"
	"github.com/MarcoPoloResearchLab/cloudnotify/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cloudnotify-api",
		Short: "Push notification fan-out and device registry service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Registry database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN")
	cmd.PersistentFlags().String("gateway-url", defaults.GetString("gateway.server_url"), "Push gateway endpoint")
	cmd.PersistentFlags().String("gateway-token", "", "Push gateway server token; empty disables delivery")
	cmd.PersistentFlags().Int("retry-workers", defaults.GetInt("delivery.retry_workers"), "Size of the retry worker pool")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("delivery.max_attempts"), "Retry cap per device (0 = unbounded)")
	cmd.PersistentFlags().Duration("rate-limit-cooldown", defaults.GetDuration("delivery.rate_limit_cooldown"), "Cool-down after a device rate limit (0 = disabled)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the rate-limit cool-down store")
	cmd.PersistentFlags().String("amqp-url", "", "AMQP URL for the event consumer")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "gateway.server_url", "gateway-url")
	bindFlag(cmd, "gateway.server_token", "gateway-token")
	bindFlag(cmd, "delivery.retry_workers", "retry-workers")
	bindFlag(cmd, "delivery.max_attempts", "max-attempts")
	bindFlag(cmd, "delivery.rate_limit_cooldown", "rate-limit-cooldown")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
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

func newTokenCommand() *cobra.Command {
	var (
		subject string
		service bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			issue := issuer.IssueToken
			if service {
				issue = issuer.IssueServiceToken
			}
			signed, expiresAt, err := issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Owner id placed in the token subject")
	cmd.Flags().BoolVar(&service, "service", false, "Mint a host application token allowed to submit events")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
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

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := registry.NewStore(registry.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("registry"),
	})
	if err != nil {
		return err
	}

	counters := metrics.New()

	workerConfig := delivery.Config{
		Registry:          store,
		Metrics:           counters,
		Logger:            logger.Named("delivery"),
		RetryWorkers:      appConfig.RetryWorkers,
		BackoffStep:       appConfig.BackoffStep,
		MaxAttempts:       appConfig.MaxAttempts,
		RateLimitCooldown: appConfig.RateLimitCooldown,
		Title:             appConfig.GatewayTitle,
		Icon:              appConfig.GatewayIcon,
		TimeToLive:        appConfig.GatewayTimeToLive,
	}
	if appConfig.DeliveryEnabled() {
		client, err := gateway.NewClient(gateway.Config{
			ServerURL:   appConfig.GatewayServerURL,
			ServerToken: appConfig.GatewayServerToken,
			Timeout:     appConfig.GatewayTimeout,
			Logger:      logger.Named("gateway"),
		})
		if err != nil {
			return err
		}
		workerConfig.Gateway = client
	} else {
		logger.Warn("gateway server token not configured; push delivery disabled")
	}

	if appConfig.RedisURL != "" {
		redisOptions, err := redis.ParseURL(appConfig.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOptions)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		workerConfig.Cooldown = delivery.NewRedisCooldownStore(redisClient, "")
	} else {
		workerConfig.Cooldown = delivery.NewMemoryCooldownStore(time.Now)
	}

	worker, err := delivery.NewWorker(workerConfig)
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.ValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     validator,
		Registry:   store,
		Dispatcher: worker,
		Metrics:    counters,
		Logger:     logger.Named("http"),
	})
	if err != nil {
		return err
	}

	var eventConsumer *consumer.Consumer
	if appConfig.AMQPURL != "" {
		connection, err := amqp.Dial(appConfig.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer connection.Close()

		eventConsumer, err = consumer.NewConsumer(consumer.Config{
			Connection: connection,
			Queue:      appConfig.AMQPQueue,
			Workers:    appConfig.AMQPWorkers,
			Prefetch:   appConfig.AMQPPrefetch,
			Dispatcher: worker,
			Metrics:    counters,
			Logger:     logger.Named("consumer"),
		})
		if err != nil {
			return err
		}
	}

	if err := worker.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		if err := worker.Stop(stopCtx); err != nil {
			logger.Warn("delivery worker shutdown incomplete", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if eventConsumer != nil {
		go func() {
			if err := eventConsumer.Start(signalCtx); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.Error("component failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return runErr
}
