package main

import (
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

	"github.com/sells-group/marketsync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only consumer API",
	Long:  "Serves the downstream consumer interface over HTTP: current view, snapshot history, and refresh candidates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(st),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/items/{marketplace}/{asin}/current", func(w http.ResponseWriter, req *http.Request) {
		cv, err := st.GetCurrentState(req.Context(), chi.URLParam(req, "asin"), chi.URLParam(req, "marketplace"))
		if err != nil {
			serveError(w, err)
			return
		}
		if cv == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no current view"})
			return
		}
		writeJSON(w, http.StatusOK, cv)
	})

	r.Get("/v1/items/{marketplace}/{asin}/history", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		history, err := st.GetSnapshotHistory(req.Context(), chi.URLParam(req, "asin"), chi.URLParam(req, "marketplace"), limit)
		if err != nil {
			serveError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})
	})

	r.Get("/v1/items/{marketplace}/{asin}/issues", func(w http.ResponseWriter, req *http.Request) {
		issues, err := st.GetOpenIssues(req.Context(), chi.URLParam(req, "asin"), chi.URLParam(req, "marketplace"))
		if err != nil {
			serveError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
	})

	r.Get("/v1/refresh-candidates", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		marketplace := q.Get("marketplace")
		if marketplace == "" {
			marketplace = cfg.Ingest.Marketplace
		}
		maxAgeMins, _ := strconv.Atoi(q.Get("max_age_minutes"))
		if maxAgeMins <= 0 {
			maxAgeMins = 360
		}
		limit, _ := strconv.Atoi(q.Get("limit"))

		ids, err := st.GetIdentifiersNeedingRefresh(req.Context(),
			marketplace, time.Duration(maxAgeMins)*time.Minute, limit)
		if err != nil {
			serveError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identifiers": ids})
	})

	return r
}

func serveError(w http.ResponseWriter, err error) {
	if store.IsPersistenceUnavailable(err) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not migrated"})
		return
	}
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
