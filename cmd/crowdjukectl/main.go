// Package main provides the crowdjuke client: it authenticates against the
// playback provider, watches the shared now-playing state over the server's
// websocket, and can request a queue advance.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"crowdjuke/internal/core"
	"crowdjuke/internal/player"
	"crowdjuke/internal/realtime"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crowdjukectl",
	Short: "crowdjuke client - watch and control the shared session",
	RunE:  runClient,
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
	rootCmd.PersistentFlags().String("server-url", "http://localhost:8090", "crowdjuke server base URL")
	rootCmd.PersistentFlags().String("provider-url", "", "Playback provider API base URL")
	rootCmd.PersistentFlags().String("token-path", "", "Path of the persisted refresh token")
	rootCmd.PersistentFlags().String("app-prefix", core.DefaultAppPrefix, "Hook name application prefix")
	rootCmd.PersistentFlags().String("service-prefix", core.DefaultServicePrefix, "Hook name service prefix")
	rootCmd.PersistentFlags().Bool("advance", false, "Request a queue advance after connecting")
	rootCmd.PersistentFlags().Bool("no-player", false, "Skip provider authentication and polling, watch only")

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
	if v := viper.GetString("server-url"); v != "" {
		cfg.Player.ExchangeURL = strings.TrimSuffix(v, "/")
	}
	if v := viper.GetString("provider-url"); v != "" {
		cfg.Player.ProviderURL = strings.TrimSuffix(v, "/")
	}
	if v := viper.GetString("token-path"); v != "" {
		cfg.Player.TokenPath = v
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

func runClient(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hook := core.HookName(config.App.Prefix, config.Queue.ServicePrefix)

	if !viper.GetBool("no-player") {
		startPlayer(ctx)
	}

	conn, err := dialSession(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("Connected to session", zap.String("hook", hook))

	if viper.GetBool("advance") {
		if err := sendAdvance(conn, hook); err != nil {
			return err
		}
		logger.Info("Advance requested")
	}

	return watch(ctx, conn, hook)
}

// startPlayer brings up the token lifecycle; a failed or expired credential
// is not fatal to watching the session.
func startPlayer(ctx context.Context) {
	store := player.NewFileTokenStore(config.Player.TokenPath)
	lifecycle := player.NewTokenLifecycle(config, store, logger.Named("player"))

	lifecycle.OnLogin(func(user *player.User) {
		if user == nil {
			logger.Info("Logged out of playback provider")
			return
		}
		logger.Info("Logged in to playback provider",
			zap.String("user", user.DisplayName))
	})
	lifecycle.OnUpdate(func(state *player.PlaybackState) {
		logger.Debug("Playback observed",
			zap.Bool("playing", state.IsPlaying),
			zap.Int("progressMs", state.ProgressMs))
	})

	if err := lifecycle.Initialize(ctx); err != nil {
		if errors.Is(err, player.ErrCredentialExpired) {
			logger.Warn("Stored refresh token is no longer valid")
			return
		}
		logger.Warn("Provider authentication unavailable", zap.Error(err))
	}
}

func dialSession(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(config.Player.ExchangeURL, "http", "ws", 1) + "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	return conn, nil
}

func sendAdvance(conn *websocket.Conn, hook string) error {
	req := core.QueueManagerRequest{Kind: core.RequestKindInit, Payload: json.RawMessage(`{}`)}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode advance request: %w", err)
	}

	frame, err := json.Marshal(realtime.Envelope{Hook: hook, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send advance request: %w", err)
	}
	return nil
}

// watch prints every now-playing broadcast until interrupted.
func watch(ctx context.Context, conn *websocket.Conn, hook string) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session connection lost: %w", err)
		}

		var frame realtime.Envelope
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Hook != hook {
			continue
		}

		var resp core.QueueManagerResponse
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			logger.Warn("Dropping malformed snapshot", zap.Error(err))
			continue
		}

		logger.Info("Now playing",
			zap.Int("type", int(resp.Item.Type)),
			zap.Bool("played", resp.Item.Played),
			zap.Int("playtimeSecs", resp.Item.PlaytimeSecs))
	}
}
