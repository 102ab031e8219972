package main

import (
	"context"
	"fmt"
	"os"

	"git.yunify.com/quanxiang/scheduler/pkg/helper/logger"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port     string `envconfig:"PORT" default:"8081"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// echo accepts every scheduler event and logs it.
type echo struct {
	logger log.Logger
}

func (e *echo) Notify(ctx context.Context, in *hook.Event) (*hook.Receipt, error) {
	level.Info(e.logger).Log("message", "event", "id", in.ID, "type", in.Type,
		"stage", in.Stage.String(), "stageRunID", in.StageRunID, "counter", in.Counter, "by", in.By)
	return &hook.Receipt{ID: in.ID, Accepted: true}, nil
}

func main() {
	conf := &config{}
	envconfig.MustProcess("", conf)

	logger := logger.NewLogger(conf.LogLevel)
	if err := hook.Main(logger, fmt.Sprintf(":%s", conf.Port))(context.Background(), &echo{logger: logger}); err != nil {
		level.Error(logger).Log("message", err.Error())
		os.Exit(1)
	}
}
