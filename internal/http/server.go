// Package http exposes a batch run over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
)

const maxImportBytes = 32 << 20

// Driver is the run the server exposes.
type Driver interface {
	Experiment() *experiment.Experiment
	ModuleConfiguration() experiment.ModuleConfiguration
	Snapshot() experiment.Run
	Processing() bool
	CanContinue() bool
	CanRetry() bool
	Start(ctx context.Context) bool
	Continue(ctx context.Context) bool
	Retry(ctx context.Context) bool
	Export() experiment.Export
	Import(ctx context.Context, data []byte) bool
	SetManualRatings(ctx context.Context, id experiment.SubmissionID, ratings []experiment.ManualRating)
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server provides the HTTP API for one driver.
type Server struct {
	echo   *echo.Echo
	driver Driver
	logger *logging.Logger
	config *Config
}

// NewServer creates a server. metrics may be nil.
func NewServer(driver Driver, logger *logging.Logger, cfg *Config, metrics *HTTPMetrics) (*Server, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090, ShutdownTimeout: 10 * time.Second}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	if metrics != nil {
		e.Use(metrics.Middleware())
	}

	s := &Server{
		echo:   e,
		driver: driver,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/run", s.handleRun)
	v1.POST("/run/start", s.handleStart)
	v1.POST("/run/continue", s.handleContinue)
	v1.POST("/run/retry", s.handleRetry)
	v1.GET("/run/export", s.handleExport)
	v1.POST("/run/import", s.handleImport)
	v1.PUT("/run/ratings/:submissionId", s.handleRatings)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Progress counts completed items of a step.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// RunResponse is the response body for GET /api/v1/run.
type RunResponse struct {
	RunID                 string                    `json:"runId"`
	ExperimentID          string                    `json:"experimentId"`
	ModuleConfigurationID string                    `json:"moduleConfigurationId"`
	Step                  experiment.Step           `json:"step"`
	DidSendSubmissions    bool                      `json:"didSendSubmissions"`
	TrainingFeedbacks     Progress                  `json:"trainingFeedbacks"`
	FeedbackSuggestions   Progress                  `json:"feedbackSuggestions"`
	SuggestedSubmissions  []experiment.SubmissionID `json:"suggestedSubmissions"`
	Processing            bool                      `json:"processing"`
	CanContinue           bool                      `json:"canContinue"`
	CanRetry              bool                      `json:"canRetry"`
}

// ActionResponse is the response body for the run actions.
type ActionResponse struct {
	Step experiment.Step `json:"step"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) runResponse() RunResponse {
	run := s.driver.Snapshot()
	exp := s.driver.Experiment()
	return RunResponse{
		RunID:                 run.RunID,
		ExperimentID:          exp.ID,
		ModuleConfigurationID: s.driver.ModuleConfiguration().ID,
		Step:                  run.Step,
		DidSendSubmissions:    run.DidSendSubmissions,
		TrainingFeedbacks: Progress{
			Done:  len(run.SentTrainingSubmissions),
			Total: len(exp.TrainingSubmissions),
		},
		FeedbackSuggestions: Progress{
			Done:  len(run.SubmissionsWithFeedbackSuggestions),
			Total: len(exp.EvaluationSubmissions),
		},
		SuggestedSubmissions: run.SuggestionIDs(),
		Processing:           s.driver.Processing(),
		CanContinue:          s.driver.CanContinue(),
		CanRetry:             s.driver.CanRetry(),
	}
}

func (s *Server) handleRun(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runResponse())
}

func (s *Server) action(c echo.Context, name string, fn func(context.Context) bool) error {
	if !fn(c.Request().Context()) {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("%s not available in step %s", name, s.driver.Snapshot().Step))
	}
	return c.JSON(http.StatusOK, ActionResponse{Step: s.driver.Snapshot().Step})
}

func (s *Server) handleStart(c echo.Context) error {
	return s.action(c, "start", s.driver.Start)
}

func (s *Server) handleContinue(c echo.Context) error {
	return s.action(c, "continue", s.driver.Continue)
}

func (s *Server) handleRetry(c echo.Context) error {
	return s.action(c, "retry", s.driver.Retry)
}

func (s *Server) handleExport(c echo.Context) error {
	return c.JSON(http.StatusOK, s.driver.Export())
}

func (s *Server) handleImport(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if !s.driver.Import(c.Request().Context(), body) {
		return echo.NewHTTPError(http.StatusBadRequest, "document rejected")
	}
	return c.JSON(http.StatusOK, s.runResponse())
}

func (s *Server) handleRatings(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("submissionId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid submission id")
	}
	var ratings []experiment.ManualRating
	if err := c.Echo().JSONSerializer.Deserialize(c, &ratings); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid ratings request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s.driver.SetManualRatings(c.Request().Context(), experiment.SubmissionID(id), ratings)
	return c.NoContent(http.StatusNoContent)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(ctx, "starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
