package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// OpsHandler exposes operational summaries aggregated by the telemetry
// layer. Prometheus scraping stays on /metrics; these endpoints are for
// humans poking at a running instance.
type OpsHandler struct {
	Tel *telemetry.Telemetry
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(EchoAuthMiddleware(secret))
	g.GET("/performance", h.performance)
	g.GET("/costs", h.costs)
}

// performance returns aggregate run metrics and a text report.
//
//	@Summary	Performance metrics
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}
//	@Router		/api/ops/performance [get]
func (h *OpsHandler) performance(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"metrics": h.Tel.GetMetrics(),
		"report":  h.Tel.GetPerformanceReport(),
	})
}

// costs returns the per-model cost accumulation.
//
//	@Summary	Cost summary
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	telemetry.CostSummary
//	@Router		/api/ops/costs [get]
func (h *OpsHandler) costs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Tel.GetCostSummary())
}
