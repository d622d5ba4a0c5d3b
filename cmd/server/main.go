package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collaborative-canvas/internal/bootstrap"

	"github.com/sirupsen/logrus"
)

// shutdownTimeout 是等待房间落盘的最长时间
const shutdownTimeout = 15 * time.Second

func main() {
	app, err := bootstrap.NewApp()
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}

	app.Start()

	// 设置优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.Log.Info("Shutdown signal received...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		app.Log.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
