// Package http serves the operational surface: health and readiness probes,
// prometheus metrics, the viewer websocket endpoint and the server-mediated
// token exchange that keeps the provider client secret off the clients.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"crowdjuke/internal/core"
	"crowdjuke/internal/realtime"
)

type Server struct {
	config  *core.Config
	logger  *zap.Logger
	hub     *realtime.Hub
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	BrokerMessagesTotal  *prometheus.CounterVec
	AdvanceRequestsTotal *prometheus.CounterVec
	BroadcastsTotal      prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
	TokenExchangesTotal  *prometheus.CounterVec
	ConnectedViewers     prometheus.Gauge
}

func NewServer(config *core.Config, hub *realtime.Hub, logger *zap.Logger) *Server {
	metrics := &Metrics{
		BrokerMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdjuke_broker_messages_total",
				Help: "Total number of broker messages consumed",
			},
			[]string{"status"},
		),
		AdvanceRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdjuke_advance_requests_total",
				Help: "Total number of queue advance requests published",
			},
			[]string{"source"},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdjuke_broadcasts_total",
				Help: "Total number of snapshots broadcast to viewers",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdjuke_errors_total",
				Help: "Total number of errors",
			},
			[]string{"component", "type"},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdjuke_token_exchanges_total",
				Help: "Total number of token exchange requests",
			},
			[]string{"status"},
		),
		ConnectedViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdjuke_connected_viewers",
				Help: "Number of currently connected viewers",
			},
		),
	}

	// A private registry keeps multiple server instances in one process
	// from colliding.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.BrokerMessagesTotal,
		metrics.AdvanceRequestsTotal,
		metrics.BroadcastsTotal,
		metrics.ErrorsTotal,
		metrics.TokenExchangesTotal,
		metrics.ConnectedViewers,
	)

	s := &Server{
		config:  config,
		logger:  logger,
		hub:     hub,
		metrics: metrics,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"crowdjuke"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"crowdjuke"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/token", s.handleTokenExchange)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>crowdjuke</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">🎵 crowdjuke</h1>
    <p>Crowd-controlled shared playback session</p>

    <h2>Endpoints</h2>
    <div class="endpoint">📊 <a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint">💚 <a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint">✅ <a href="/readyz">Ready</a> - Readiness check</div>
    <div class="endpoint">🔌 /ws - Viewer websocket</div>
    <div class="endpoint">🔑 /token - Token exchange</div>
</body>
</html>`))
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewer identity is not authenticated here; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket upgrades the request and runs the connection until the
// viewer leaves.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade viewer connection", zap.Error(err))
		s.RecordError("http", "upgrade")
		return
	}

	conn := realtime.NewWSConn(ws, s.logger)
	s.hub.Register(conn)
	go conn.Serve(func(c *realtime.WSConn) {
		s.hub.Unregister(c)
	})
}

// handleTokenExchange trades a viewer's refresh token for an access token
// against the provider's token endpoint. Clients never see the client
// secret.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		s.metrics.TokenExchangesTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "refresh_token required", http.StatusBadRequest)
		return
	}

	conf := &oauth2.Config{
		ClientID:     s.config.Player.ClientID,
		ClientSecret: s.config.Player.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.config.Player.TokenURL},
	}

	token, err := conf.TokenSource(r.Context(), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		s.logger.Warn("Token exchange failed", zap.Error(err))
		s.metrics.TokenExchangesTotal.WithLabelValues("failed").Inc()
		// An invalid grant maps to an empty access token so the client
		// lifecycle takes its logged-out branch.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"","expires_in":0}`))
		return
	}

	s.metrics.TokenExchangesTotal.WithLabelValues("ok").Inc()

	refreshed := token.RefreshToken
	if refreshed == "" {
		refreshed = refreshToken
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"access_token":  token.AccessToken,
		"expires_in":    int(time.Until(token.Expiry).Seconds()),
		"refresh_token": refreshed,
	}); err != nil {
		s.logger.Error("Failed to encode token response", zap.Error(err))
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) RecordBrokerMessage(status string) {
	s.metrics.BrokerMessagesTotal.WithLabelValues(status).Inc()
}

func (s *Server) RecordAdvanceRequest(source string) {
	s.metrics.AdvanceRequestsTotal.WithLabelValues(source).Inc()
}

func (s *Server) RecordBroadcast() {
	s.metrics.BroadcastsTotal.Inc()
}

func (s *Server) RecordError(component, errorType string) {
	s.metrics.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (s *Server) SetConnectedViewers(count int) {
	s.metrics.ConnectedViewers.Set(float64(count))
}
