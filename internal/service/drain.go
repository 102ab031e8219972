package service

import (
	"context"
	"database/sql"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/internal/database/mysql"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/quanxiang-cloud/cabin/time"
)

type drainModeService struct {
	conf   *common.Config
	logger log.Logger

	drainRepo database.DrainModeRepo
}

func newDrainModeService() *drainModeService {
	return &drainModeService{}
}

func (d *drainModeService) SetLogger(logger log.Logger) {
	d.logger = log.With(logger, "module", "drain")
}

func (d *drainModeService) SetConfig(conf *common.Config) {
	d.conf = conf
}

func (d *drainModeService) SetDB(db *sql.DB) {
	d.drainRepo = mysql.NewDrainMode(db)
}

func (d *drainModeService) SetStore(_ database.RunStateStore, drainRepo database.DrainModeRepo) {
	d.drainRepo = drainRepo
}

func (d *drainModeService) GetDrainMode(ctx context.Context, in *apis.GetDrainMode) (*v1alpha1.DrainMode, error) {
	dm, err := d.drainRepo.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fail get drain mode")
	}
	return dm, nil
}

func (d *drainModeService) SetDrainMode(ctx context.Context, in *apis.SetDrainMode) (*v1alpha1.DrainMode, error) {
	if !in.Identity.Admin && !d.conf.IsAdmin(in.Identity.Name) {
		return nil, errors.Newf(errors.KindUnauthorized, "User '%s' is not an administrator.", in.Identity.Name)
	}

	dm := &v1alpha1.DrainMode{
		Drained:   in.Drained,
		UpdatedBy: in.Identity.Name,
		UpdatedOn: time.NowUnix(),
	}
	if err := d.drainRepo.Save(ctx, dm); err != nil {
		return nil, errors.Wrap(err, "fail save drain mode")
	}

	level.Info(d.logger).Log("message", "drain mode changed", "drained", dm.Drained, "updatedBy", dm.UpdatedBy)
	return dm, nil
}
