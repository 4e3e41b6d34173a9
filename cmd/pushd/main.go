// pushd 为推送服务进程入口。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/application"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
)

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.L().Sugar().Infof(format, args...)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.New().Run(ctx); err != nil {
		log.Error("push service exited", zap.Error(err))
		os.Exit(1)
	}
}
