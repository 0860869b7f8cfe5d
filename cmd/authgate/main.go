package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"authgate/gateway-service/internal/config"
	"authgate/gateway-service/internal/gateway"
	"authgate/gateway-service/internal/httputil"
	"authgate/gateway-service/internal/metrics"
	"authgate/gateway-service/internal/secret"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides AUTHGATE_CONFIG env var)")
	flag.Parse()

	// Determine config path: CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("AUTHGATE_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			// Can't use log yet, it's not configured
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		// JSON logging for production
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Msg("server configuration")
	log.Info().
		Bool("csrf_disabled", cfg.CSRF.Disabled).
		Bool("require_root_auth", cfg.Auth.RequireRootAuth).
		Strs("excluded_routes", cfg.Auth.ExcludedRoutes).
		Str("report_route", cfg.CSP.ReportRoute).
		Bool("csp_report_only", cfg.CSP.ReportOnly).
		Msg("gateway configuration")

	// The signing secret is the first line of the key file. The gateway
	// refuses to start with a weak one.
	secretKey, err := readSecretKey(cfg.KeyPath)
	if err != nil {
		log.Fatal().Err(err).Str("key_path", cfg.KeyPath).Msg("failed to read secret key")
	}
	if err := secret.Check(secretKey); err != nil {
		log.Fatal().Err(err).Msg("refusing to start with a weak secret")
	}

	gw, err := gateway.New(gateway.Options{
		Config: cfg,
		Secret: secretKey,
		FailedAuth: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "authentication required", cfg.Auth.FailedAuthStatus)
		},
		Logger: log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct gateway")
	}

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	// Sample application behind the gateway. A real deployment mounts its
	// own handlers here.
	app := chi.NewRouter()
	app.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		rec, err := gw.NewSession(w, r, map[string]any{"login_at": time.Now().Unix()})
		if err != nil {
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"ok": true, "session": rec.CorrelationID})
	})
	app.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		if err := gw.DestroySession(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	app.Get("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"request_id": httputil.GetRequestID(r.Context())})
	})
	app.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	root := chi.NewRouter()
	root.Use(httputil.RequestIDMiddleware(log.Logger))
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok"})
	})
	root.Handle("/metrics", promhttp.Handler())
	root.Mount("/", gw.Handler(app))

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("AuthGate listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed, forcing close")
			_ = srv.Close()
		}
		// Drain pending policy merges before exit.
		gw.Close()
		log.Info().Msg("shutdown complete")
	}
}

func readSecretKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimRight(line, "\r"), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("JSON encode failed")
	}
}
