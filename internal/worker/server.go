package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server *asynq.Server
	log    *logrus.Entry
	repo   repository.SnapshotRepository
	rooms  RoomFlusher
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, repo repository.SnapshotRepository, rooms RoomFlusher, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// 单并发，room:save 任务按入队顺序执行
			Concurrency: 1,
			Queues: map[string]int{
				DefaultQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID(task),
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server: server,
		log:    logEntry,
		repo:   repo,
		rooms:  rooms,
	}
}

// NewServeMux 注册所有任务处理器
func NewServeMux(repo repository.SnapshotRepository, rooms RoomFlusher) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeRoomSave, NewRoomSaveHandler(repo))
	mux.Handle(tasks.TypeRoomFlush, NewRoomFlushHandler(rooms))
	return mux
}

// Start 运行 Worker Server，应在单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(NewServeMux(ws.repo, ws.rooms)); err != nil {
		if !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.WithError(err).Error("Could not run worker server")
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
