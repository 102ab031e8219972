package mysql

import (
	"context"
	"database/sql"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
)

// drain mode is a single row with id 1.
type drainMode struct {
	db *sql.DB
}

func NewDrainMode(db *sql.DB) database.DrainModeRepo {
	return &drainMode{
		db: db,
	}
}

func (d *drainMode) Get(ctx context.Context) (*v1alpha1.DrainMode, error) {
	dm := &v1alpha1.DrainMode{}
	var (
		updatedBy sql.NullString
		updatedOn sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT drained, updated_by, updated_on FROM drain_mode WHERE id = 1",
	).Scan(&dm.Drained, &updatedBy, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return dm, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fail get drain mode")
	}

	dm.UpdatedBy = updatedBy.String
	dm.UpdatedOn = updatedOn.Int64
	return dm, nil
}

func (d *drainMode) Save(ctx context.Context, dm *v1alpha1.DrainMode) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO drain_mode (id, drained, updated_by, updated_on) VALUES (1, ?, ?, ?) ON DUPLICATE KEY UPDATE drained = VALUES(drained), updated_by = VALUES(updated_by), updated_on = VALUES(updated_on)",
		dm.Drained, dm.UpdatedBy, dm.UpdatedOn,
	)
	if err != nil {
		return errors.Wrap(err, "fail save drain mode")
	}
	return nil
}
