package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/orchestrator"
)

// AnswerRequest is the body of POST /v1/answer.
type AnswerRequest struct {
	Question string                  `json:"question"`
	Patient  clinical.PatientContext `json:"patient"`
	Options  *RequestOptions         `json:"options,omitempty"`
}

// RequestOptions mirrors clinical.QueryOptions with JSON-friendly units.
type RequestOptions struct {
	Backend      string `json:"backend,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	TimeoutMs    int    `json:"timeout_ms,omitempty"`
	SaveForLater *bool  `json:"save_for_later,omitempty"`
}

// QueryOptions converts the request options. SaveForLater defaults to true.
func (r *RequestOptions) QueryOptions() clinical.QueryOptions {
	opts := clinical.QueryOptions{SaveForLater: true}
	if r == nil {
		return opts
	}
	opts.Backend = r.Backend
	opts.MaxRetries = r.MaxRetries
	opts.Timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	if r.SaveForLater != nil {
		opts.SaveForLater = *r.SaveForLater
	}
	return opts
}

func (s *Server) answer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Options != nil && (req.Options.MaxRetries < 0 || req.Options.TimeoutMs < 0) {
		return echo.NewHTTPError(http.StatusBadRequest, "max_retries and timeout_ms must not be negative")
	}

	result, err := s.svc.Answer(c.Request().Context(), req.Question, req.Patient, req.Options.QueryOptions())
	if errors.Is(err, orchestrator.ErrEmptyQuestion) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Status(c.Request().Context()))
}

func (s *Server) replay(c echo.Context) error {
	report := s.svc.ReplayQueue(c.Request().Context())
	code := http.StatusOK
	if report.Skipped {
		code = http.StatusConflict
	}
	return c.JSON(code, report)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
