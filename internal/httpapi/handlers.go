// Package httpapi is the thin echo surface over the Dispatch Core that
// §6 specifies as an external collaborator: submit_job, get_job,
// cancel_job, register_runner, heartbeat. It binds requests, maps core
// errors to HTTP status per §7, and otherwise contains no business
// logic, mirroring the teacher's handlers package split (one handler
// method per endpoint, echo.Context binding, no logic beyond request/
// response shaping).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"jobcore/internal/dispatch"
	"jobcore/internal/ledger"
)

type Handlers struct {
	dispatch *dispatch.Core
	store    *ledger.Store
}

func NewHandlers(dispatchCore *dispatch.Core, store *ledger.Store) *Handlers {
	return &Handlers{dispatch: dispatchCore, store: store}
}

func (h *Handlers) Register(e *echo.Echo) {
	e.POST("/jobs", h.SubmitJob)
	e.GET("/jobs/:id", h.GetJob)
	e.POST("/jobs/:id/cancel", h.CancelJob)
	e.POST("/runners", h.RegisterRunner)
	e.POST("/runners/:id/heartbeat", h.Heartbeat)
}

type submitJobRequest struct {
	CustomerID string          `json:"customer_id"`
	JobTypeID  string          `json:"job_type_id"`
	ProjectID  string          `json:"project_id,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	Input      json.RawMessage `json:"input"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handlers) SubmitJob(c echo.Context) error {
	var req submitJobRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid customer_id"))
	}
	jobTypeID, err := uuid.Parse(req.JobTypeID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid job_type_id"))
	}

	var projectID *uuid.UUID
	if req.ProjectID != "" {
		pid, err := uuid.Parse(req.ProjectID)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid project_id"))
		}
		projectID = &pid
	}

	priority := parsePriority(req.Priority)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	job, err := h.dispatch.Submit(ctx, customerID, jobTypeID, projectID, priority, req.Input)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, submitJobResponse{JobID: job.ID.String()})
}

type jobResponse struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	AttemptCount   int     `json:"attempt_count"`
	LastError      string  `json:"last_error,omitempty"`
	FinalCostCents *int64  `json:"final_cost_cents,omitempty"`
}

func (h *Handlers) GetJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid job id"))
	}

	job, err := h.store.GetJob(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}

	return c.JSON(http.StatusOK, jobResponse{
		ID:             job.ID.String(),
		Status:         string(job.Status),
		AttemptCount:   job.AttemptCount,
		LastError:      job.LastError,
		FinalCostCents: job.FinalCostCents,
	})
}

func (h *Handlers) CancelJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid job id"))
	}
	if err := h.dispatch.Cancel(c.Request().Context(), id); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

type registerRunnerRequest struct {
	Name               string   `json:"name"`
	CompatibleJobTypes []string `json:"compatible_job_types"`
}

type registerRunnerResponse struct {
	RunnerID string `json:"runner_id"`
}

func (h *Handlers) RegisterRunner(c echo.Context) error {
	var req registerRunnerRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	r := &ledger.Runner{
		Name:               req.Name,
		Status:             ledger.RunnerActive,
		CompatibleJobTypes: req.CompatibleJobTypes,
	}
	if err := h.store.UpsertRunner(c.Request().Context(), r); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, registerRunnerResponse{RunnerID: r.ID.String()})
}

func (h *Handlers) Heartbeat(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid runner id"))
	}
	if err := h.store.UpdateRunnerHeartbeat(c.Request().Context(), id, ledger.RunnerActive); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func parsePriority(raw string) ledger.Priority {
	switch raw {
	case "critical":
		return ledger.PriorityCritical
	case "high":
		return ledger.PriorityHigh
	case "low":
		return ledger.PriorityLow
	default:
		return ledger.PriorityMedium
	}
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrUnknownCustomer), errors.Is(err, ledger.ErrUnknownJobType),
		errors.Is(err, ledger.ErrUnknownJob), errors.Is(err, ledger.ErrUnknownRunner):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrJobTypeDisabled):
		return c.JSON(http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.JSON(http.StatusPaymentRequired, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrNotCancellable):
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, ledger.ErrTimeout):
		return c.JSON(http.StatusGatewayTimeout, errorBody(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}
