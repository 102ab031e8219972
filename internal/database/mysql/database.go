package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	_ "github.com/go-sql-driver/mysql"
)

func NewDB(conf *common.Mysql) (*sql.DB, error) {
	connStr := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", conf.User, conf.Password, conf.Host, conf.Database)
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "fail open mysql")
	}
	if conf.MaxOpenConns > 0 {
		db.SetMaxOpenConns(conf.MaxOpenConns)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	return db, nil
}

var schema = []string{
	"CREATE TABLE IF NOT EXISTS pipeline_run (" +
		"id BIGINT AUTO_INCREMENT PRIMARY KEY, " +
		"pipeline_name VARCHAR(255) NOT NULL, " +
		"counter BIGINT NOT NULL, " +
		"triggered_by VARCHAR(255) NOT NULL DEFAULT '', " +
		"stages TEXT, " +
		"created_at BIGINT NOT NULL, " +
		"UNIQUE KEY uk_pipeline_counter (pipeline_name, counter))",
	"CREATE TABLE IF NOT EXISTS stage_run (" +
		"id BIGINT AUTO_INCREMENT PRIMARY KEY, " +
		"pipeline_name VARCHAR(255) NOT NULL, " +
		"pipeline_counter BIGINT NOT NULL, " +
		"stage_name VARCHAR(255) NOT NULL, " +
		"counter BIGINT NOT NULL, " +
		"state VARCHAR(16) NOT NULL, " +
		"triggered_by VARCHAR(255), " +
		"approved_by VARCHAR(255), " +
		"cancelled_by VARCHAR(255), " +
		"scheduled_at BIGINT NOT NULL, " +
		"updated_at BIGINT, " +
		"UNIQUE KEY uk_stage_instance_counter (pipeline_name, pipeline_counter, stage_name, counter))",
	"CREATE TABLE IF NOT EXISTS drain_mode (" +
		"id TINYINT PRIMARY KEY, " +
		"drained BOOL NOT NULL, " +
		"updated_by VARCHAR(255), " +
		"updated_on BIGINT)",
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "fail migrate schema")
		}
	}
	return nil
}
