// Package main provides the crowdjuke server entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"crowdjuke/internal/broker"
	"crowdjuke/internal/core"
	"crowdjuke/internal/flood"
	httpserver "crowdjuke/internal/http"
	"crowdjuke/internal/realtime"
	"crowdjuke/internal/store"
)

const defaultServerHost = "0.0.0.0"

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crowdjuked",
	Short: "crowdjuke - crowd-controlled shared playback server",
	Long: `crowdjuked orchestrates a shared music playback session: it consumes queue
events from a message broker, schedules queue advancement, and fans the
resulting now-playing state out to every connected viewer in real time.`,
	RunE: runServer,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("app-prefix", core.DefaultAppPrefix, "Hook name application prefix")
	rootCmd.PersistentFlags().String("service-prefix", core.DefaultServicePrefix, "Hook name service prefix")
	rootCmd.PersistentFlags().Int("min-playtime-secs", core.DefaultMinPlaytimeSecs, "Minimum derived play duration in seconds")
	rootCmd.PersistentFlags().Int("max-playtime-secs", core.DefaultMaxPlaytimeSecs, "Maximum derived play duration in seconds")
	rootCmd.PersistentFlags().String("broker-url", "", "AMQP broker URL (empty runs the in-memory broker)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for cross-instance fan-out (empty runs single-instance)")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", core.DefaultServerPort, "HTTP server port")
	rootCmd.PersistentFlags().Int("flood-limit-per-minute", core.DefaultFloodLimitPerMinute, "Maximum advance requests per viewer per minute")
	rootCmd.PersistentFlags().String("provider-client-id", "", "Playback provider client ID")
	rootCmd.PersistentFlags().String("provider-client-secret", "", "Playback provider client secret")
	rootCmd.PersistentFlags().String("provider-token-url", "", "Playback provider token endpoint")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("CROWDJUKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	if v := viper.GetString("app-prefix"); v != "" {
		cfg.App.Prefix = v
	}
	if v := viper.GetString("service-prefix"); v != "" {
		cfg.Queue.ServicePrefix = v
	}
	if v := viper.GetInt("min-playtime-secs"); v > 0 {
		cfg.Queue.MinPlaytimeSecs = v
	}
	if v := viper.GetInt("max-playtime-secs"); v > 0 {
		cfg.Queue.MaxPlaytimeSecs = v
	}
	if cfg.Queue.MaxPlaytimeSecs < cfg.Queue.MinPlaytimeSecs {
		fmt.Fprintf(os.Stderr, "Warning: max playtime below min, using min for both\n")
		cfg.Queue.MaxPlaytimeSecs = cfg.Queue.MinPlaytimeSecs
	}

	cfg.Broker.URL = viper.GetString("broker-url")
	cfg.Redis.Addr = viper.GetString("redis-addr")

	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if v := viper.GetInt("server-port"); v > 0 {
		cfg.Server.Port = v
	}

	cfg.Queue.FloodLimitPerMinute = viper.GetInt("flood-limit-per-minute")
	if cfg.Queue.FloodLimitPerMinute <= 0 {
		cfg.Queue.FloodLimitPerMinute = core.DefaultFloodLimitPerMinute
	}

	cfg.Player.ClientID = viper.GetString("provider-client-id")
	cfg.Player.ClientSecret = viper.GetString("provider-client-secret")
	if v := viper.GetString("provider-token-url"); v != "" {
		cfg.Player.TokenURL = v
	}

	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

// advanceSink defers the hub's orchestrator reference until both sides are
// constructed.
type advanceSink struct {
	orchestrator *core.QueueOrchestrator
}

func (s *advanceSink) TriggerAdvance(ctx context.Context, req core.QueueManagerRequest) error {
	return s.orchestrator.TriggerAdvance(ctx, req)
}

func runServer(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting crowdjuked",
		zap.String("hook", core.HookName(config.App.Prefix, config.Queue.ServicePrefix)),
		zap.Int("minPlaytimeSecs", config.Queue.MinPlaytimeSecs),
		zap.Int("maxPlaytimeSecs", config.Queue.MaxPlaytimeSecs),
		zap.Bool("brokerConfigured", config.Broker.URL != ""),
		zap.Bool("redisConfigured", config.Redis.Addr != ""))

	b, err := createBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	seen := store.NewSeenStore(10000, 0.001)
	gate := flood.New(config.Queue.FloodLimitPerMinute)
	defer gate.Stop()

	sink := &advanceSink{}
	hub := realtime.NewHub(config, sink, gate, logger.Named("realtime"))
	orchestrator := core.NewQueueOrchestrator(config, b, hub, seen, logger.Named("queue"))
	sink.orchestrator = orchestrator

	attachAdapter(ctx, hub)

	server := httpserver.NewServer(config, hub, logger.Named("http"))
	hub.SetMetrics(server)
	orchestrator.SetMetrics(server)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gCtx)
	})

	g.Go(func() error {
		return orchestrator.Start(gCtx)
	})

	logger.Info("crowdjuked started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("crowdjuked stopped with error", zap.Error(err))
		return err
	}

	logger.Info("crowdjuked stopped")
	return nil
}

func createBroker() (broker.Broker, error) {
	if config.Broker.URL == "" {
		logger.Warn("No broker URL configured, using in-memory broker")
		return broker.NewMemoryBroker(), nil
	}

	b, err := broker.DialAMQP(config.Broker.URL, logger.Named("broker"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return b, nil
}

// attachAdapter wires the cross-instance fan-out when redis is reachable.
// Failure degrades to single-instance delivery instead of refusing to start.
func attachAdapter(ctx context.Context, hub *realtime.Hub) {
	if config.Redis.Addr == "" {
		logger.Info("No redis address configured, running single-instance fan-out")
		return
	}

	adapter, err := realtime.DialRedis(ctx, config.Redis.Addr, logger.Named("redis"))
	if err != nil {
		logger.Warn("Redis unavailable, running single-instance fan-out", zap.Error(err))
		return
	}

	if err := hub.UseAdapter(ctx, adapter); err != nil {
		logger.Warn("Failed to attach fan-out adapter, running single-instance", zap.Error(err))
		_ = adapter.Close()
	}
}
