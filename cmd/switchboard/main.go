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

	"github.com/channel-mesh/switchboard/internal/config"
	"github.com/channel-mesh/switchboard/internal/database"
	"github.com/channel-mesh/switchboard/internal/identity"
	"github.com/channel-mesh/switchboard/internal/logging"
	"github.com/channel-mesh/switchboard/internal/metrics"
	"github.com/channel-mesh/switchboard/internal/notify"
	"github.com/channel-mesh/switchboard/internal/relay"
	"github.com/channel-mesh/switchboard/internal/server"
	"github.com/channel-mesh/switchboard/internal/store"
	"github.com/channel-mesh/switchboard/internal/transport"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard channel-switching relay",
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
	cmd.PersistentFlags().String("transport-url", defaults.GetString("switch.transport_url"), "Public websocket URL for this switch")
	cmd.PersistentFlags().String("share-base-url", defaults.GetString("switch.share_base_url"), "Base URL for invitation share links")
	cmd.PersistentFlags().String("callback-url-template", defaults.GetString("switch.callback_url_template"), "Notification callback URL template ({{channel}} substituted)")
	cmd.PersistentFlags().Int("ping-interval-seconds", defaults.GetInt("switch.ping_interval_seconds"), "Seconds between liveness pings")
	cmd.PersistentFlags().Int("ping-timeout-seconds", defaults.GetInt("switch.ping_timeout_seconds"), "Seconds before an unanswered ping closes the socket")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "switch.transport_url", "transport-url")
	bindFlag(cmd, "switch.share_base_url", "share-base-url")
	bindFlag(cmd, "switch.callback_url_template", "callback-url-template")
	bindFlag(cmd, "switch.ping_interval_seconds", "ping-interval-seconds")
	bindFlag(cmd, "switch.ping_timeout_seconds", "ping-timeout-seconds")
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

	channelStore, err := store.New(store.Config{Database: db})
	if err != nil {
		return err
	}

	identityService := identity.NewService(identity.ServiceConfig{
		MaxSkew: appConfig.IdentityMaxSkew,
	})

	switchMetrics := metrics.New()
	registry := transport.NewRegistry(transport.RegistryConfig{Logger: logger})

	relaySwitch, err := relay.NewSwitch(relay.Config{
		Store:               channelStore,
		Identity:            identityService,
		Fabric:              registry,
		Gateway:             notify.NewLogGateway(logger),
		Logger:              logger,
		Metrics:             switchMetrics,
		TransportURL:        appConfig.TransportURL,
		ShareBaseURL:        appConfig.ShareBaseURL,
		CallbackURLTemplate: appConfig.CallbackURLTemplate,
		PingInterval:        appConfig.PingInterval,
		PingTimeout:         appConfig.PingTimeout,
	})
	if err != nil {
		return err
	}
	registry.Bind(relaySwitch)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Switch:   relaySwitch,
		Registry: registry,
		Metrics:  switchMetrics,
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

	relaySwitch.Start(signalCtx)

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
