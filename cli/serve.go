package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/zlnvch/drawcast/api"
	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/cache/memory"
	"github.com/zlnvch/drawcast/cache/redis"
	"github.com/zlnvch/drawcast/config"
	"github.com/zlnvch/drawcast/mq"
	"github.com/zlnvch/drawcast/mq/sqsmq"
	"github.com/zlnvch/drawcast/store"
	"github.com/zlnvch/drawcast/store/dynamo"
	"github.com/zlnvch/drawcast/store/sqlite"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port           string
	AllowAnonymous bool
	StoreBackend   string
	CacheBackend   string
	QueueBackend   string
	DevMode        bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long: `Run the drawcast server.

Settings come from defaults, the --config file, environment variables and
finally the flags below, each overriding the previous.

Example:
  drawcast serve --allow-anonymous
  drawcast serve --config /etc/drawcast.yaml --store dynamodb --cache redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.applyFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.Port, "port", "p", "", "port to listen on")
	cmd.Flags().BoolVar(&opts.AllowAnonymous, "allow-anonymous", false, "accept drawing requests without a token")
	cmd.Flags().StringVar(&opts.StoreBackend, "store", "", "step store (sqlite|dynamodb)")
	cmd.Flags().StringVar(&opts.CacheBackend, "cache", "", "pub/sub and cache backend (memory|redis)")
	cmd.Flags().StringVar(&opts.QueueBackend, "queue", "", "job queue (none|sqs)")
	cmd.Flags().BoolVar(&opts.DevMode, "dev", false, "use local AWS and Redis endpoints")

	return cmd
}

func (opts *ServeOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.Port
	}
	if flags.Changed("allow-anonymous") {
		cfg.AllowAnonymous = opts.AllowAnonymous
	}
	if flags.Changed("store") {
		cfg.Store.Backend = opts.StoreBackend
	}
	if flags.Changed("cache") {
		cfg.Cache.Backend = opts.CacheBackend
	}
	if flags.Changed("queue") {
		cfg.Queue.Backend = opts.QueueBackend
	}
	if flags.Changed("dev") {
		cfg.DevMode = opts.DevMode
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.DrawingStore, func() error, error) {
	switch cfg.Store.Backend {
	case config.StoreDynamoDB:
		dynamoStore, err := dynamo.NewDynamoDrawingStore(ctx, cfg.DevMode, cfg.Store.DynamoDBEndpoint, cfg.Store.DynamoDBTable)
		if err != nil {
			return nil, nil, fmt.Errorf("create dynamodb store: %w", err)
		}
		return dynamoStore, func() error { return nil }, nil
	default:
		sqliteStore, err := sqlite.NewSqliteDrawingStore(ctx, cfg.Store.SqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("create sqlite store: %w", err)
		}
		return sqliteStore, sqliteStore.Close, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.DrawingCache, func() error, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		redisCache, err := redis.NewRedisDrawingCache(ctx, cfg.DevMode, cfg.Cache.RedisEndpoint, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		return redisCache, redisCache.Close, nil
	default:
		return memory.NewMemoryDrawingCache(), func() error { return nil }, nil
	}
}

// openQueue returns a nil queue when no queue backend is configured.
func openQueue(ctx context.Context, cfg *config.Config) (mq.MessageQueue, error) {
	if cfg.Queue.Backend != config.QueueSQS {
		return nil, nil
	}
	queue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.Queue.SQSEndpoint, cfg.Queue.SQSQueue)
	if err != nil {
		return nil, fmt.Errorf("create sqs queue: %w", err)
	}
	return queue, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	drawingStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	drawingCache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	jobQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Store.Backend == config.StoreDynamoDB && cfg.Cache.Backend == config.CacheMemory {
		logger.Warn("memory cache only broadcasts within this instance; use redis when running several")
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	drawcastAPI, err := api.NewDrawcastAPI(
		drawingStore,
		jobQueue,
		drawingCache,
		cfg.OAuthConfigs(),
		jwtSecret,
		api.Options{
			AllowAnonymous: cfg.AllowAnonymous,
			AllowedOrigins: cfg.AllowedOrigins,
			CounterFlushMs: cfg.CounterFlushMs,
		},
		ctx,
		logger,
	)
	if err != nil {
		return fmt.Errorf("create drawcast api: %w", err)
	}

	router := api.NewRouter(logger)
	drawcastAPI.RegisterRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "store", cfg.Store.Backend, "cache", cfg.Cache.Backend, "queue", cfg.Queue.Backend)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	drawcastAPI.Wait()
	logger.Info("server stopped")
	return nil
}
