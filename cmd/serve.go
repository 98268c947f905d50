package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kicktrack/tracker-cli/internal/monitoring"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves health, stats, run history, and on-demand source triggers over HTTP.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initFarm(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go newChecker(env).Run(ctx)

		addr := serveAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Server.Port)
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           buildRouter(ctx, env, cfg.Monitoring.LookbackHours),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter assembles the HTTP API. runCtx outlives individual requests
// and scopes the async runs started by /trigger.
func buildRouter(runCtx context.Context, env *farmEnv, lookbackHours int) http.Handler {
	collector := monitoring.NewCollector(env.Runs, env.Pipeline.Counters())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		snap, err := collector.Collect(req.Context(), lookbackHours)
		if err != nil {
			zap.L().Error("stats collection failed", zap.Error(err))
			http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, snap)
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if v := req.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		runs, err := env.Runs.ListRuns(req.Context(), limit)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			http.Error(w, `{"error":"runs unavailable"}`, http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, runs)
	})

	r.Post("/trigger/{source}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "source")
		src, ok := env.Registry.Get(id)
		if !ok {
			http.Error(w, `{"error":"unknown source"}`, http.StatusNotFound)
			return
		}

		// The run outlives the request.
		go func() {
			run, err := env.Pipeline.RunSource(runCtx, src)
			if err != nil {
				zap.L().Error("triggered run failed",
					zap.String("source", id),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("triggered run finished",
				zap.String("source", id),
				zap.String("status", string(run.Status)),
				zap.Int("found", run.Stats.Found),
			)
		}()

		respondJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"source": id,
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :8787)")
	rootCmd.AddCommand(serveCmd)
}
