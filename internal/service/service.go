package service

import (
	"context"
	"database/sql"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/internal/database/memory"
	"git.yunify.com/quanxiang/scheduler/internal/database/mysql"
	"git.yunify.com/quanxiang/scheduler/pkg/client/approval"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

type service struct {
	conf   *common.Config
	logger log.Logger

	// hasStore is set once a store was handed in through an option.
	hasStore bool

	apis.ScheduleService
	apis.DrainModeService
}

func NewServer(ctx context.Context, opts ...Option) (apis.Service, error) {
	svc := &service{
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.conf == nil {
		return nil, errors.New(errors.KindInternal, "missing config")
	}

	if !svc.hasStore {
		switch svc.conf.Store.Driver {
		case common.StoreMysql:
			db, err := mysql.NewDB(&svc.conf.Mysql)
			if err != nil {
				level.Error(svc.logger).Log("message", "fail connect to db", "err", err.Error())
				return nil, errors.Wrap(err, "fail connect to db")
			}
			if svc.conf.Mysql.Migrate {
				if err := mysql.Migrate(ctx, db); err != nil {
					return nil, err
				}
			}
			opts = append(opts, WithDatabase(db))
		default:
			opts = append(opts, WithStore(memory.NewRunState(), memory.NewDrainMode()))
		}
	}

	schedule := newScheduleService()
	drain := newDrainModeService()
	for _, opt := range append([]Option{WithLogger(svc.logger)}, opts...) {
		opt(schedule)
		opt(drain)
	}

	if err := schedule.init(ctx); err != nil {
		return nil, errors.Wrap(err, "fail init schedule")
	}

	svc.ScheduleService = schedule
	svc.DrainModeService = drain
	return svc, nil
}

func (s *service) SetConfig(conf *common.Config) {
	s.conf = conf
}

func (s *service) SetLogger(logger log.Logger) {
	s.logger = log.With(logger, "module", "service")
}

func (s *service) SetDB(*sql.DB) {
	s.hasStore = true
}

func (s *service) SetStore(database.RunStateStore, database.DrainModeRepo) {
	s.hasStore = true
}

func (s *service) GetSchedule() apis.ScheduleService {
	return s.ScheduleService
}

func (s *service) GetDrain() apis.DrainModeService {
	return s.DrainModeService
}

type Option func(s interface{})

type Logger interface {
	SetLogger(log.Logger)
}

func WithLogger(logger log.Logger) Option {
	return func(s interface{}) {
		if s, ok := s.(Logger); ok {
			s.SetLogger(logger)
		}
	}
}

type Config interface {
	SetConfig(*common.Config)
}

func WithConfig(conf *common.Config) Option {
	return func(s interface{}) {
		if s, ok := s.(Config); ok {
			s.SetConfig(conf)
		}
	}
}

type Database interface {
	SetDB(*sql.DB)
}

func WithDatabase(db *sql.DB) Option {
	return func(s interface{}) {
		if s, ok := s.(Database); ok {
			s.SetDB(db)
		}
	}
}

type Store interface {
	SetStore(database.RunStateStore, database.DrainModeRepo)
}

// WithStore hands in ready stores, bypassing the configured driver.
func WithStore(store database.RunStateStore, drainRepo database.DrainModeRepo) Option {
	return func(s interface{}) {
		if s, ok := s.(Store); ok {
			s.SetStore(store, drainRepo)
		}
	}
}

type Registerer interface {
	SetRegisterer(prometheus.Registerer)
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s interface{}) {
		if s, ok := s.(Registerer); ok {
			s.SetRegisterer(reg)
		}
	}
}

type ApprovalClient interface {
	SetApprovalClient(approval.Client)
}

func WithApprovalClient(client approval.Client) Option {
	return func(s interface{}) {
		if s, ok := s.(ApprovalClient); ok {
			s.SetApprovalClient(client)
		}
	}
}

type Hooks interface {
	SetHooks([]hook.Interface)
}

func WithHooks(hooks ...hook.Interface) Option {
	return func(s interface{}) {
		if s, ok := s.(Hooks); ok {
			s.SetHooks(hooks)
		}
	}
}
