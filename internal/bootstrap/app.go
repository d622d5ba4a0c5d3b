package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/infra/discovery"
	filepersistence "collaborative-canvas/internal/infra/persistence/file"
	"collaborative-canvas/internal/infra/setup"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/tasks"
	"collaborative-canvas/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Saver       *worker.LocalSaver
	Rooms       *service.RoomService
	Hub         *hub.Hub
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
	announcer      *discovery.Announcer
}

// NewApp 加载配置并创建应用
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		// logrus 还未按配置初始化
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}
	return NewAppWithConfig(cfg)
}

// NewLogger 按环境选择日志格式
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == envProduction {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	// 各组件使用全局 logrus，保持与应用 logger 一致
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	return log
}

// NewAppWithConfig 按给定配置创建并组装所有组件
func NewAppWithConfig(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := NewLogger(cfg)
	log.Infof("Logger initialized (Level: %s, Env: %s)", log.GetLevel(), cfg.AppEnv)

	app := &App{Config: cfg, Log: log}

	// 1. 基础设施
	if cfg.UsesRedis() {
		client, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to init Redis: %w", err)
		}
		app.RedisClient = client
		app.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		log.Info("Redis client initialized")
	}

	// 2. 快照存储
	repo, err := app.newSnapshotRepository()
	if err != nil {
		app.closeClients()
		return nil, err
	}

	// 3. 异步保存链路：LocalSaver -> (AsynqSaver ->) repo
	var sink repository.SnapshotRepository = repo
	if cfg.AsyncBackend == BackendAsynq {
		app.AsynqClient = asynq.NewClient(app.redisClientOpt)
		sink = worker.NewAsynqSaver(app.AsynqClient, repo, worker.DefaultQueue)
		log.Info("Asynq client initialized")
	}
	app.Saver = worker.NewLocalSaver(sink, cfg.SaveTimeout)

	// 4. 服务与 Hub
	app.Rooms = service.NewRoomService(app.Saver, app.Saver)
	app.Hub = hub.NewHub(app.Rooms, hub.WithMaxMessageSize(cfg.WSMaxMessageBytes))

	if cfg.AsyncBackend == BackendAsynq {
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, repo, app.Rooms, log)
	}

	// 5. HTTP
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           app.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func (a *App) newSnapshotRepository() (repository.SnapshotRepository, error) {
	switch a.Config.PersistenceDriver {
	case DriverRedis:
		a.Log.Infof("Using redis snapshot store (prefix %s)", a.Config.KeyPrefix)
		return redisstate.NewRedisSnapshotRepository(a.RedisClient, a.Config.KeyPrefix, a.Config.SnapshotTTL), nil
	default:
		repo, err := filepersistence.NewFileSnapshotRepository(a.Config.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to init file snapshot store: %w", err)
		}
		a.Log.Infof("Using file snapshot store at %s", repo.Dir())
		return repo, nil
	}
}

// NewRouter 创建 Gin 路由
func (a *App) NewRouter() *gin.Engine {
	if a.Config.AppEnv == envProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.Log))
	router.Use(CORSMiddleware(a.Config.CORSAllowedOrigin))
	if a.RedisClient != nil && a.Config.RateLimitMax > 0 {
		router.Use(middleware.RateLimit(a.RedisClient, a.Config.KeyPrefix, a.Config.RateLimitMax, a.Config.RateLimitWindow))
	}

	roomHandler := httpHandler.NewRoomHandler(a.Rooms)
	ws := wsHandler.NewWebSocketHandler(a.Hub, a.Config.CORSAllowedOrigin)

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	api := router.Group("/api")
	{
		api.GET("/rooms", roomHandler.ListRooms)
		api.GET("/rooms/:roomId", roomHandler.GetRoom)
	}
	router.GET("/ws", ws.HandleConnection)
	router.GET("/ws/room/:roomId", ws.HandleConnection)
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.registerPeriodicTasks()
	}

	ln, err := net.Listen("tcp", a.HttpServer.Addr)
	if err != nil {
		a.Log.Fatalf("Failed to listen on %s: %v", a.HttpServer.Addr, err)
	}
	go func() {
		a.Log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.HttpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("HTTP server failed: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()

	if a.Config.MDNSEnabled {
		port := 0
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		announcer, err := discovery.Advertise(a.Config.MDNSService, port, "path=/ws", "port="+strconv.Itoa(port))
		if err != nil {
			a.Log.WithError(err).Warn("mDNS advertisement failed, continuing without discovery")
		} else {
			a.announcer = announcer
			a.Log.Infof("Advertising %s on port %d", a.Config.MDNSService, port)
		}
	}
}

// registerPeriodicTasks 注册周期性的 room:flush 任务
func (a *App) registerPeriodicTasks() {
	if a.Config.FlushSchedule == "" {
		return
	}
	payload, err := tasks.NewRoomFlushTask()
	if err != nil {
		a.Log.Errorf("Failed to create room flush task payload: %v", err)
		return
	}
	task := asynq.NewTask(tasks.TypeRoomFlush, payload)
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})
	entryID, err := scheduler.Register(a.Config.FlushSchedule, task, asynq.Queue(worker.DefaultQueue), asynq.MaxRetry(0))
	if err != nil {
		a.Log.Errorf("Could not register periodic room flush task: %v", err)
		return
	}
	a.Log.Infof("Periodic room flush registered with schedule '%s' (EntryID: %s)", a.Config.FlushSchedule, entryID)
	a.scheduler = scheduler

	go func() {
		if err := scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

// Shutdown 优雅地关闭应用：先停止接收连接，再让所有房间落盘
func (a *App) Shutdown(ctx context.Context) error {
	a.Log.Info("Shutting down application...")
	var errs []error

	// 1. 不再接受新的 HTTP/WebSocket 连接
	if a.HttpServer != nil {
		if err := a.HttpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// 2. 断开所有连接，最后离开的参与者触发房间保存
	if a.Hub != nil {
		if err := a.Hub.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hub stop: %w", err))
		}
	}

	// 3. 仍然活跃的房间 (没有连接但未关闭) 也保存一次
	if a.Rooms != nil {
		if n := a.Rooms.FlushAll(ctx); n > 0 {
			a.Log.Infof("Flushed %d active rooms", n)
		}
	}

	// 4. 等待写入完成，同时停止调度和服务发现
	g, gctx := errgroup.WithContext(ctx)
	if a.Saver != nil {
		g.Go(func() error { return a.Saver.Close(gctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { a.scheduler.Shutdown(); return nil })
	}
	if a.announcer != nil {
		g.Go(a.announcer.Shutdown)
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	// 5. Worker 等待正在执行的任务结束后退出；队列中尚未开始的 room:save 留在 Redis，下次启动时处理
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	a.closeClients()
	a.Log.Info("Application shutdown complete.")
	return errors.Join(errs...)
}

func (a *App) closeClients() {
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
}

// CORSMiddleware 为跨域请求设置响应头
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		if allowedOrigin != "*" {
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
