package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/store"
)

// RunsHandler triggers research runs and serves their stored results.
type RunsHandler struct {
	Store  *store.Store
	Cfg    *config.Config
	Runner *Runner
	Orch   *research.Orchestrator
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(EchoAuthMiddleware(secret))
	g.POST("/tasks/:id/runs", h.trigger)
	g.GET("/tasks/:id/runs", h.list)
	g.GET("/runs/active", h.active)
	g.GET("/runs/:id", h.get)
	g.POST("/runs/:id/cancel", h.cancel)
}

// Trigger a run for a task
//
//	@Summary	Trigger run
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Task ID"
//	@Produce	json
//	@Success	202	{object}	IDResponse	"Run accepted"
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/research/tasks/{id}/runs [post]
func (h *RunsHandler) trigger(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	task, ok, err := h.Store.GetTask(ctx, c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	runID, err := launchRun(ctx, h.Store, h.Runner, h.Cfg, task)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
}

// List runs of a task
//
//	@Summary	List runs
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Task ID"
//	@Produce	json
//	@Success	200	{array}		RunResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/tasks/{id}/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	taskID := c.Param("id")
	if _, ok, err := h.Store.GetTask(ctx, taskID, userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	runs, err := h.Store.ListRuns(ctx, taskID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

// Get one run with its proposals
//
//	@Summary	Run by ID
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	200	{object}	RunDetailResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/runs/{id} [get]
func (h *RunsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	run, ok, err := h.Store.GetRunForUser(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, newRunDetailResponse(run))
}

// List in-flight runs
//
//	@Summary	Active runs
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	research.RunInfo
//	@Router		/api/research/runs/active [get]
func (h *RunsHandler) active(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.ActiveRuns())
}

// Cancel an in-flight run
//
//	@Summary	Cancel run
//	@Tags		runs
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Run ID"
//	@Produce	json
//	@Success	202	{object}	IDResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/research/runs/{id}/cancel [post]
func (h *RunsHandler) cancel(c echo.Context) error {
	userID := c.Get("user_id").(string)
	runID := c.Param("id")
	if _, ok, err := h.Store.GetRunForUser(c.Request().Context(), runID, userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if !h.Orch.CancelRun(runID) {
		return echo.NewHTTPError(http.StatusConflict, "run is not active")
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
}

// launchRun creates the run row and hands the task to the runner in the
// background. Failures the runner could not persist itself are recorded as a
// failed run.
func launchRun(ctx context.Context, st *store.Store, runner *Runner, cfg *config.Config, task store.Task) (string, error) {
	runID, err := st.CreateRun(ctx, task.ID, store.RunStatusRunning)
	if err != nil {
		return "", err
	}
	timeout := 15 * time.Minute
	if cfg != nil && cfg.General.MaxRunTime > 0 {
		timeout = cfg.General.MaxRunTime
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := runner.Execute(runCtx, task, runID); err != nil {
			_ = st.FinishRun(context.Background(), runID, store.RunStatusFailed, strPtr(err.Error()))
		}
	}()
	return runID, nil
}

func strPtr(s string) *string { return &s }
