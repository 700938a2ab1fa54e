package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/bidding"
	"github.com/sells-group/adbroker/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ad decision and bid server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Refresh.Enabled {
			if err := env.Refresher.Start(ctx); err != nil {
				return eris.Wrap(err, "start refresher")
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type decideRequest struct {
	model.AdRequest
	Debug bool `json:"debug,omitempty"`
}

type decideResponse struct {
	model.AdResponse
	Decision model.Decision `json:"decision"`
	Debug    any            `json:"debug,omitempty"`
}

type bidRequest struct {
	RequestID   string          `json:"request_id"`
	PlacementID string          `json:"placement_id"`
	Messages    []model.Message `json:"messages"`
}

// buildRouter wires the HTTP surface onto env.
func buildRouter(env *appEnv, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/networks/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"networks": env.Monitor.GetAllHealth()})
	})

	r.Post("/v1/decide", func(w http.ResponseWriter, req *http.Request) {
		var body decideRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.PlacementID == "" {
			writeError(w, http.StatusBadRequest, "placement_id is required")
			return
		}
		pl, ok := env.Placements.Get(body.PlacementID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown placement "+body.PlacementID)
			return
		}

		out := env.Pipeline.Run(req.Context(), body.AdRequest, pl)
		resp := decideResponse{AdResponse: out.Response, Decision: out.Decision}
		if body.Debug || req.URL.Query().Get("debug") == "1" {
			resp.Debug = out.Debug
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/v1/bid", func(w http.ResponseWriter, req *http.Request) {
		var body bidRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages are required")
			return
		}
		pl, ok := env.Placements.Get(body.PlacementID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown placement "+body.PlacementID)
			return
		}

		res := env.Aggregator.Run(req.Context(), bidding.Request{
			RequestID: body.RequestID,
			Placement: pl,
			Messages:  body.Messages,
		})
		writeJSON(w, http.StatusOK, res)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
