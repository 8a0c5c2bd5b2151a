package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/store"
)

// typeCatalog is the slice of the ontology catalog the API needs: id
// resolution for validation and the full listing for discovery.
type typeCatalog interface {
	ontology.Resolver
	All() []ontology.TypeDefinition
}

// TasksHandler serves research task CRUD. Creation validates the requested
// ontology slice, cron spec and model before anything is stored.
type TasksHandler struct {
	Store   *store.Store
	Cfg     *config.Config
	Catalog typeCatalog
	Runner  *Runner
}

func (h *TasksHandler) Register(g *echo.Group, secret []byte) {
	g.Use(EchoAuthMiddleware(secret))
	g.POST("/tasks", h.create)
	g.GET("/tasks", h.list)
	g.GET("/tasks/:id", h.get)
	g.GET("/ontology", h.ontology)
}

// Create a research task
//
//	@Summary	Create task
//	@Tags		tasks
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateTaskRequest	true	"Task payload"
//	@Success	201		{object}	CreateTaskResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/research/tasks [post]
func (h *TasksHandler) create(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)

	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate(ctx, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task := store.Task{
		UserID:        userID,
		Subject:       req.Subject,
		Prompt:        req.Prompt,
		StartURL:      req.StartURL,
		EntityTypeIDs: req.EntityTypeIDs,
		LinkTypeIDs:   req.LinkTypeIDs,
		Model:         req.Model,
		CronSpec:      req.CronSpec,
	}
	id, err := h.Store.CreateTask(ctx, task)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	task.ID = id

	resp := CreateTaskResponse{ID: id}
	if req.RunNow {
		runID, err := launchRun(ctx, h.Store, h.Runner, h.Cfg, task)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.RunID = runID
	}
	return c.JSON(http.StatusCreated, resp)
}

// List tasks
//
//	@Summary	List tasks
//	@Tags		tasks
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}		TaskResponse
//	@Failure	500	{object}	HTTPError
//	@Router		/api/research/tasks [get]
func (h *TasksHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	tasks, err := h.Store.ListTasks(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	return c.JSON(http.StatusOK, out)
}

// Get one task
//
//	@Summary	Get task
//	@Tags		tasks
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Param		id	path	string	true	"Task ID"
//	@Produce	json
//	@Success	200	{object}	TaskResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/tasks/{id} [get]
func (h *TasksHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	task, ok, err := h.Store.GetTask(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, newTaskResponse(task))
}

// List the ontology types tasks may declare
//
//	@Summary	Ontology catalog
//	@Tags		tasks
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	ontology.TypeDefinition
//	@Router		/api/research/ontology [get]
func (h *TasksHandler) ontology(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Catalog.All())
}

func (h *TasksHandler) validate(ctx context.Context, req *CreateTaskRequest) error {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(req.EntityTypeIDs) == 0 {
		return fmt.Errorf("entity_type_ids is required")
	}

	declared := append(append([]string{}, req.EntityTypeIDs...), req.LinkTypeIDs...)
	defs, err := h.Catalog.Dereference(ctx, declared)
	if err != nil {
		return err
	}
	for _, id := range req.EntityTypeIDs {
		if defs[id].IsLink {
			return fmt.Errorf("%s is a link type, not an entity type", id)
		}
	}
	for _, id := range req.LinkTypeIDs {
		if !defs[id].IsLink {
			return fmt.Errorf("%s is an entity type, not a link type", id)
		}
	}

	if req.CronSpec != "" && req.CronSpec != "@daily" && req.CronSpec != "@hourly" {
		if _, err := cronexpr.Parse(req.CronSpec); err != nil {
			return fmt.Errorf("invalid cron_spec: %w", err)
		}
	}
	if req.Model != "" && !knownModel(h.Cfg, req.Model) {
		return fmt.Errorf("unknown model %q", req.Model)
	}
	return nil
}

func knownModel(cfg *config.Config, name string) bool {
	if cfg == nil {
		return false
	}
	for _, provider := range cfg.LLM.Providers {
		if _, ok := provider.Models[name]; ok {
			return true
		}
	}
	return false
}
