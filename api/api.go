package api

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/zlnvch/drawcast/api/rest"
	"github.com/zlnvch/drawcast/api/ws"
	"github.com/zlnvch/drawcast/broadcast"
	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/mq"
	"github.com/zlnvch/drawcast/service"
	"github.com/zlnvch/drawcast/store"
	"github.com/zlnvch/drawcast/worker"
)

//go:embed web/*.html
var webFS embed.FS

type Options struct {
	AllowAnonymous bool
	// AllowedOrigins restricts websocket upgrades. Empty means same host.
	AllowedOrigins []string
	// CounterFlushMs is how often per-user step counters are written.
	CounterFlushMs int
}

type DrawcastAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	wsUpgrader  websocket.Upgrader
	opts        Options
	shutdownCtx context.Context
	logger      *slog.Logger
	workers     *sync.WaitGroup
}

// NewDrawcastAPI wires the service and starts the background workers and
// the websocket hub. They all stop when shutdownCtx is done. jobQueue may be
// nil, in which case account deletions are processed in-process.
func NewDrawcastAPI(
	drawingStore store.DrawingStore,
	jobQueue mq.MessageQueue,
	drawingCache cache.DrawingCache,
	oauthConfigs map[string]*oauth2.Config,
	jwtSecret []byte,
	opts Options,
	shutdownCtx context.Context,
	logger *slog.Logger,
) (*DrawcastAPI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CounterFlushMs <= 0 {
		opts.CounterFlushMs = 60000
	}

	gateway := broadcast.NewGateway(drawingCache, logger)

	wsHub := ws.NewHub(gateway, logger)
	if err := wsHub.InitSubscriptions(shutdownCtx); err != nil {
		logger.Error("failed to start ws hub subscriptions", "error", err)
		return nil, err
	}
	workers := &sync.WaitGroup{}
	workers.Go(func() { wsHub.Run(shutdownCtx) })

	counterBatcher := worker.NewCounterBatcher(drawingStore, opts.CounterFlushMs, logger)
	workers.Go(func() { counterBatcher.Run(shutdownCtx) })

	if jobQueue != nil {
		mqConsumer := worker.NewMQConsumer(jobQueue, drawingStore, drawingCache, logger)
		workers.Go(func() { mqConsumer.Run(shutdownCtx) })
	}

	svc, err := service.NewService(
		drawingStore,
		drawingCache,
		gateway,
		jobQueue,
		counterBatcher,
		oauthConfigs,
		jwtSecret,
		logger,
	)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return nil, err
	}

	wsHandler := ws.NewHandler(svc, wsHub, logger)

	return &DrawcastAPI{
		restHandler: rest.NewHandler(svc, opts.AllowAnonymous, logger),
		wsHandler:   wsHandler,
		wsUpgrader:  wsHandler.NewWsUpgrader(opts.AllowedOrigins),
		opts:        opts,
		shutdownCtx: shutdownCtx,
		logger:      logger,
		workers:     workers,
	}, nil
}

// Wait blocks until the hub and the workers have stopped, which happens
// after the shutdown context is done and pending counters are flushed.
func (drawcastAPI *DrawcastAPI) Wait() {
	drawcastAPI.workers.Wait()
}

// NewRouter returns a gin engine with recovery and access logging.
func NewRouter(logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(rest.RequestLogger(logger))
	return router
}

func (drawcastAPI *DrawcastAPI) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(template.Must(template.ParseFS(webFS, "web/*.html")))

	// Health check endpoint (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	router.GET("/drawing", drawcastAPI.handleDrawingPage)

	drawing := router.Group("/drawing")
	drawing.Use(drawcastAPI.restHandler.Authenticate(!drawcastAPI.opts.AllowAnonymous))
	{
		drawing.POST("/broadcast", drawcastAPI.restHandler.HandleBroadcast)
		drawing.POST("/undo", drawcastAPI.restHandler.HandleUndo)
		drawing.POST("/redo", drawcastAPI.restHandler.HandleRedo)
		drawing.GET("/history", drawcastAPI.restHandler.HandleHistory)
	}

	router.POST("/login", drawcastAPI.restHandler.HandleLogin)

	me := router.Group("/me")
	me.Use(drawcastAPI.restHandler.Authenticate(true))
	{
		me.GET("", drawcastAPI.restHandler.HandleGetMe)
		me.DELETE("", drawcastAPI.restHandler.HandleDeleteMe)
	}

	router.GET("/ws", func(c *gin.Context) {
		drawcastAPI.wsHandler.ServeWS(drawcastAPI.wsUpgrader, c.Writer, c.Request, drawcastAPI.shutdownCtx)
	})
}

func (drawcastAPI *DrawcastAPI) handleDrawingPage(c *gin.Context) {
	sessionId := c.Query("sessionId")
	if sessionId == "" {
		sessionId = "default"
	}
	c.HTML(http.StatusOK, "drawing.html", gin.H{
		"SessionId":      sessionId,
		"Subprotocol":    ws.Subprotocol,
		"SocketHeader":   rest.SocketIdHeader,
		"AllowAnonymous": drawcastAPI.opts.AllowAnonymous,
	})
}
