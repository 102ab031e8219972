package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/internal/service"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/logger"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var configPath string

func main() {
	flag.StringVar(&configPath, "c", "./config.yaml", "-c config path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf, err := common.GetConfig(configPath)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	logger := logger.NewLogger(conf.LogLevel)

	svc, err := service.NewServer(ctx,
		service.WithConfig(conf),
		service.WithLogger(logger),
		service.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		level.Error(logger).Log("message", err.Error())
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: apis.NewHTTPHandler(svc, prometheus.DefaultGatherer, logger),
	}

	go func() {
		<-ctx.Done()
		level.Info(logger).Log("message", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Second*5,
		)
		defer cancel()
		server.Shutdown(shutdownCtx) // nolint: errcheck
	}()

	level.Info(logger).Log("message", "Starting...", "port", conf.Port, "store", conf.Store.Driver)
	err = server.ListenAndServe()
	if err != http.ErrServerClosed {
		level.Error(logger).Log("message", err.Error())
	}
}
