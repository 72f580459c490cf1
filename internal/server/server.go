package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/biostar-central/planetjob/internal/constants"
	"github.com/biostar-central/planetjob/internal/db"
	"github.com/gin-gonic/gin"
)

const maxRunsLimit = 500

// Store is the read side of the run history
type Store interface {
	GetRecentRuns(ctx context.Context, limit int) ([]db.Run, error)
	GetLastRun(ctx context.Context) (*db.Run, error)
	GetRunStats(ctx context.Context) (db.RunStats, error)
}

// Server exposes run history to monitoring
type Server struct {
	logger    *slog.Logger
	store     Store
	addr      string
	startTime time.Time
}

// New creates a new Server instance
func New(logger *slog.Logger, store Store, addr string) *Server {
	return &Server{
		logger:    logger,
		store:     store,
		addr:      addr,
		startTime: time.Now(),
	}
}

type runJSON struct {
	ID          string    `json:"id"`
	UpdateCount int       `json:"update_count"`
	Command     string    `json:"command"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	OutputLog   string    `json:"output_log,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func toJSON(r db.Run) runJSON {
	return runJSON{
		ID:          r.ID,
		UpdateCount: r.UpdateCount,
		Command:     r.Command,
		ExitCode:    r.ExitCode,
		Error:       r.Error,
		DurationMs:  r.DurationMs,
		OutputLog:   r.OutputLog,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
	}
}

// slogMiddleware creates a Gin middleware that logs HTTP requests using slog
func (s *Server) slogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		logFunc := s.logger.Debug
		if status >= 500 {
			logFunc = s.logger.Error
		} else if status >= 400 {
			logFunc = s.logger.Warn
		}

		logFunc("http request",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
			slog.String("ip", c.ClientIP()),
		)
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.slogMiddleware())

	// Health reports 503 when the newest run failed so probes alert on it
	r.GET("/health", func(c *gin.Context) {
		last, err := s.store.GetLastRun(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		body := gin.H{
			"status": "unknown",
			"uptime": time.Since(s.startTime).String(),
		}
		code := http.StatusOK
		if last != nil {
			body["last_run"] = toJSON(*last)
			body["status"] = "healthy"
			if !last.Succeeded() {
				body["status"] = "failing"
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, body)
	})

	r.GET("/runs", func(c *gin.Context) {
		ctx := c.Request.Context()

		limit := constants.RecentRunsLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxRunsLimit)
		}

		runs, err := s.store.GetRecentRuns(ctx, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		stats, err := s.store.GetRunStats(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]runJSON, 0, len(runs))
		for _, r := range runs {
			out = append(out, toJSON(r))
		}

		statsBody := gin.H{
			"total_runs":  stats.TotalRuns,
			"failed_runs": stats.FailedRuns,
		}
		if !stats.LastSuccess.IsZero() {
			statsBody["last_success"] = stats.LastSuccess.UTC()
		}
		if !stats.LastFailure.IsZero() {
			statsBody["last_failure"] = stats.LastFailure.UTC()
		}

		c.JSON(http.StatusOK, gin.H{
			"runs":  out,
			"stats": statsBody,
		})
	})

	return r
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
