// Package cli wires the climatoology gateway binary: configuration
// resolution, service construction and graceful shutdown.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/config"
	"github.com/climatoology/climatoology/gateway"
	"github.com/climatoology/climatoology/objectstore"
	"github.com/climatoology/climatoology/sender"
	"github.com/climatoology/climatoology/store"
	"github.com/climatoology/climatoology/version"
)

// cfgFile holds the --config flag value.
var cfgFile string

// RootCmd runs the gateway: the REST and WebSocket surface over the
// computation store, the artifact store and the task broker.
var RootCmd = &cobra.Command{
	Use:   "climatoology",
	Short: "gateway for the climatoology analysis platform",
	Long: `Climatoology Gateway

Dispatches computations to analysis plugins over the task broker, streams
status events to clients and serves stored artifacts.

Configuration comes from a YAML file, CA_ environment variables and
command-line flags, in ascending precedence.`,
	RunE:         runGateway,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.climatoology, /etc/climatoology)")
	flags.String("host", "", "bind address")
	flags.Int("port", 0, "listen port")
	flags.String("broker-url", "", "AMQP broker URL")
	flags.String("database-host", "", "Postgres host")
	flags.String("database-name", "", "Postgres database name")
	flags.String("api-key", "", "API key required on the compute endpoint")
	flags.String("log-level", "", "minimum log level (debug, info, warn, error)")
}

// flagBindings maps configuration keys to the flags that can override them.
var flagBindings = map[string]string{
	"server.host":      "host",
	"server.port":      "port",
	"broker.url":       "broker-url",
	"database.host":    "database-host",
	"database.name":    "database-name",
	"security.api_key": "api-key",
	"logging.level":    "log-level",
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader(config.DefaultEnvPrefix)
	loader.SetConfigDefaults()

	for key, name := range flagBindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := loader.BindFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg := &config.Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) *logrus.Logger {
	return common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
		Version: version.Library,
	})
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"address":  fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"database": cfg.Database.Host,
		"api_key":  common.MaskSecret(cfg.Security.APIKey),
	}).Info("starting gateway")

	st, err := store.Open(cfg.Database.DSN(), logger)
	if err != nil {
		return fmt.Errorf("failed to open computation store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("failed to close computation store")
		}
	}()

	// Migration is idempotent, so the gateway runs it on every start and
	// then insists on the version it was built against.
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate computation store: %w", err)
	}
	if err := st.AssertSchemaVersion(); err != nil {
		return err
	}

	objects, err := objectstore.New(cmd.Context(), objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		Region:    cfg.ObjectStore.Region,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		PathStyle: cfg.ObjectStore.PathStyle,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to artifact store: %w", err)
	}

	br, err := broker.Connect(broker.Config{
		URL:         cfg.Broker.URL,
		InfoTTL:     cfg.Broker.InfoTTL,
		PingTimeout: cfg.Broker.PingTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to task broker: %w", err)
	}
	defer func() {
		if err := br.Close(); err != nil {
			logger.WithError(err).Warn("failed to close task broker")
		}
	}()

	snd := sender.New(st, br, sender.Config{
		DisableDeduplication: cfg.Sender.DisableDeduplication,
		AssertLibraryVersion: cfg.Sender.AssertLibraryVersion,
		PluginListTTL:        cfg.Sender.PluginListTTL,
	}, logger)

	gw := gateway.New(snd, br, objects, gateway.Config{
		ServiceName:    cfg.Service.Name,
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		BodyLimit:      cfg.Server.BodyLimit,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		APIKey:         cfg.Security.APIKey,
	}, logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("gateway stopped: %w", err)
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down gateway: %w", err)
	}
	return nil
}
