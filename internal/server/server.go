package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/prospector/config"
	"github.com/mohammad-safakhou/prospector/internal/cache"
	"github.com/mohammad-safakhou/prospector/internal/fetch"
	"github.com/mohammad-safakhou/prospector/internal/llm"
	"github.com/mohammad-safakhou/prospector/internal/ontology"
	"github.com/mohammad-safakhou/prospector/internal/pdfindex"
	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/schedule"
	"github.com/mohammad-safakhou/prospector/internal/store"
	"github.com/mohammad-safakhou/prospector/internal/telemetry"
)

// Run wires every collaborator from cfg and serves the HTTP API until the
// listener fails.
func Run(cfg *config.Config) error {
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	e := newEcho(cfg, baseLogger)

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	secret := []byte(cfg.Server.JWTSecret)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations not applied: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	catalog, err := ontology.LoadCatalog(cfg.Research.CatalogPath)
	if err != nil {
		return err
	}

	router, err := llm.NewRouter(cfg.LLM)
	if err != nil {
		return err
	}

	tel := telemetry.NewTelemetry(cfg.Telemetry)

	// Redis backs the page cache and the scheduler lock. Both degrade
	// without it, so a missing Redis is a warning, not a startup failure.
	rdb, err := cache.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
		cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
	if err != nil {
		baseLogger.Printf("redis unavailable, page cache and scheduler locks disabled: %v", err)
		rdb = nil
	}

	fetcher, prober := buildFetcher(cfg, rdb, baseLogger)
	pdf := pdfindex.NewService(pdfindex.NewLoader(prober, cfg.PDFIndex), cfg.PDFIndex.TopK)

	orch := research.NewOrchestrator(cfg, router, fetcher, pdf, catalog, tel)
	runner := NewRunner(st, orch, cfg.Server.RunWorkers)

	auth := &AuthHandler{Store: st, Secret: secret}
	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	th := &TasksHandler{Store: st, Cfg: cfg, Catalog: catalog, Runner: runner}
	th.Register(api.Group("/research"), secret)

	rh := &RunsHandler{Store: st, Cfg: cfg, Runner: runner, Orch: orch}
	rh.Register(api.Group("/research"), secret)

	oh := &OpsHandler{Tel: tel}
	oh.Register(api.Group("/ops"), secret)

	sched := &schedule.Scheduler{
		Store:      st,
		Runner:     runner,
		Stop:       make(chan struct{}),
		Rdb:        rdb,
		RunTimeout: cfg.General.MaxRunTime,
	}
	sched.Start()
	defer close(sched.Stop)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8787"
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with the shared middleware stack: recover,
// a structured JSON error handler, CORS, health and metrics endpoints.
func newEcho(cfg *config.Config, baseLogger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	registerDocs(e)
	return e
}

// buildFetcher assembles the page-fetching pipeline: plain HTTP or headless
// browser, optionally wrapped in the Redis page cache. Probing always goes
// over plain HTTP where HEAD requests are cheap.
func buildFetcher(cfg *config.Config, rdb *redis.Client, logger *log.Logger) (research.PageFetcher, *fetch.HTTPFetcher) {
	httpFetcher := fetch.NewHTTPFetcher(cfg.Fetch.Timeout,
		fetch.WithUserAgent(cfg.Fetch.UserAgent),
		fetch.WithMaxChars(cfg.Fetch.MaxChars),
	)

	var pages fetch.Fetcher = httpFetcher
	if cfg.Fetch.UseHeadless {
		bf, err := fetch.NewBrowserFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
		if err != nil {
			logger.Printf("headless fetcher unavailable, falling back to plain HTTP: %v", err)
		} else {
			pages = bf
		}
	}
	if rdb != nil && cfg.Fetch.CacheTTL > 0 {
		pages = fetch.NewCachedFetcher(pages, cache.NewPageCache(rdb), cfg.Fetch.CacheTTL)
	}
	return fetch.Composite{Fetcher: pages, Prober: httpFetcher}, httpFetcher
}
