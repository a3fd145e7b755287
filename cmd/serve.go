package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docledger/docledger/internal/ledger"
	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/provexport"
	"github.com/docledger/docledger/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only audit API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		router := buildRouter(st, cfg.Ledger.MaxWalkDepth,
			newIPRateLimiter(rate.Limit(cfg.Server.RatePerSecond), cfg.Server.RateBurst))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting audit server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the read-only audit API.
func buildRouter(st store.Store, maxWalkDepth int, limiter *ipRateLimiter) chi.Router {
	walker := ledger.NewWalker(st, maxWalkDepth)
	verifier := ledger.NewVerifier(st)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if limiter != nil {
		r.Use(limiter.middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/records", func(w http.ResponseWriter, req *http.Request) {
		filter, err := recordFilterFromQuery(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		recs, err := st.QueryRecords(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		total, err := st.CountRecords(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": recs,
			"total":   total,
		})
	})

	r.Get("/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, err := st.GetRecord(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, eris.New("record not found"))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/records/{id}/ancestors", func(w http.ResponseWriter, req *http.Request) {
		chain, err := walker.Ancestors(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			var notFound *ledger.NotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ancestors": chain})
	})

	r.Get("/verify/{rootID}", func(w http.ResponseWriter, req *http.Request) {
		res, err := verifier.Verify(req.Context(), chi.URLParam(req, "rootID"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		filter, err := statsFilterFromQuery(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stats, err := st.ProcessorStats(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
	})

	r.Get("/export/{rootID}", func(w http.ResponseWriter, req *http.Request) {
		recs, err := st.ListByRootLineage(req.Context(), chi.URLParam(req, "rootID"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(recs) == 0 {
			writeError(w, http.StatusNotFound, eris.New("lineage not found"))
			return
		}
		format := req.URL.Query().Get("format")
		data, err := provexport.Encode(provexport.Build(recs), format)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if format == provexport.FormatYAML {
			w.Header().Set("Content-Type", "application/yaml")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data) //nolint:errcheck
	})

	return r
}

// statsFilterFromQuery builds a stats filter from URL query parameters,
// mirroring the filters the stats command takes.
func statsFilterFromQuery(req *http.Request) (store.StatsFilter, error) {
	q := req.URL.Query()

	filter := store.StatsFilter{Processor: q.Get("processor")}

	if typeStr := q.Get("type"); typeStr != "" {
		t := model.RecordType(typeStr)
		if !validRecordType(t) {
			return store.StatsFilter{}, eris.Errorf("unknown record type %q", typeStr)
		}
		filter.Type = t
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		since, err := time.ParseDuration(sinceStr)
		if err != nil || since <= 0 {
			return store.StatsFilter{}, eris.Errorf("invalid since %q", sinceStr)
		}
		filter.CreatedAfter = time.Now().Add(-since)
	}
	return filter, nil
}

// recordFilterFromQuery builds a store filter from URL query parameters.
func recordFilterFromQuery(req *http.Request) (store.RecordFilter, error) {
	q := req.URL.Query()

	filter := store.RecordFilter{
		Processor:     q.Get("processor"),
		RootLineageID: q.Get("root"),
		SortBy:        q.Get("sort"),
		SortDesc:      q.Get("order") == "desc",
		Limit:         50,
	}

	if typeStr := q.Get("type"); typeStr != "" {
		t := model.RecordType(typeStr)
		if !validRecordType(t) {
			return store.RecordFilter{}, eris.Errorf("unknown record type %q", typeStr)
		}
		filter.Type = t
	}
	if depthStr := q.Get("depth"); depthStr != "" {
		var depth int
		if _, err := fmt.Sscanf(depthStr, "%d", &depth); err != nil || depth < 0 {
			return store.RecordFilter{}, eris.Errorf("invalid depth %q", depthStr)
		}
		filter.ChainDepth = &depth
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		var limit int
		if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil || limit < 1 || limit > 1000 {
			return store.RecordFilter{}, eris.Errorf("invalid limit %q", limitStr)
		}
		filter.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		var offset int
		if _, err := fmt.Sscanf(offsetStr, "%d", &offset); err != nil || offset < 0 {
			return store.RecordFilter{}, eris.Errorf("invalid offset %q", offsetStr)
		}
		filter.Offset = offset
	}
	return filter, nil
}

// ipRateLimiter holds one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *ipRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ip, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			ip = req.RemoteAddr
		}
		if !l.limiterFor(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, eris.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
