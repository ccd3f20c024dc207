package main

import (
	"context"
	"database/sql"
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

	"github.com/sells-group/rpa-landuse/internal/journal"
	"github.com/sells-group/rpa-landuse/internal/schema"
	"github.com/sells-group/rpa-landuse/internal/validate"
	"github.com/sells-group/rpa-landuse/internal/warehouse"
)

var (
	servePort int
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only status API over the analytics database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Check("serve"); err != nil {
			return err
		}

		path := serveDB
		if path == "" {
			path = cfg.Convert.Output
		}
		db, err := openReadOnly(ctx, path)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		api := &statusAPI{
			db:          db,
			journalPath: cfg.JournalPath(path),
			validation:  validateOptions(cfg.Validate),
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.String("db", path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "database to serve (default convert.output)")
	rootCmd.AddCommand(serveCmd)
}

// statusAPI answers read-only questions about one analytics database.
type statusAPI struct {
	db          *sql.DB
	journalPath string
	validation  validate.Options
}

func (a *statusAPI) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/schema", a.handleSchema)
		r.Get("/tables", a.handleTables)
		r.Get("/runs", a.handleRuns)
		r.Post("/validate", a.handleValidate)
	})
	return r
}

func (a *statusAPI) handleSchema(w http.ResponseWriter, r *http.Request) {
	m := schema.NewManager(a.db, schema.Options{ReadOnly: true})
	compat, err := m.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	history, err := m.History(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current":    compat.Current,
		"detected":   compat.Detected.Version,
		"source":     compat.Detected.Source,
		"compatible": compat.Compatible,
		"warning":    compat.Warning,
		"history":    history,
	})
}

func (a *statusAPI) handleTables(w http.ResponseWriter, r *http.Request) {
	counts, err := warehouse.RowCounts(r.Context(), a.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *statusAPI) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid limit %q", s))
			return
		}
		limit = n
	}
	runs, err := recentRuns(r.Context(), a.journalPath, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *statusAPI) handleValidate(w http.ResponseWriter, r *http.Request) {
	opts := a.validation
	if r.ContentLength != 0 {
		var req struct {
			Mode       validate.Mode `json:"mode"`
			SampleSize int           `json:"sample_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		if req.Mode != "" {
			opts.Mode = req.Mode
		}
		if req.SampleSize > 0 {
			opts.SampleSize = req.SampleSize
		}
	}

	v, err := validate.New(a.db, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := v.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
