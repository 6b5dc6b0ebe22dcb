package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/batchd/internal/config"
	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/platform/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(cfg config.DBConfig, baseLog *logger.Logger) (*Service, error) {
	svcLog := baseLog.With("service", "DBService")

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	return &Service{db: gdb, log: svcLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Migrating tables")
	return s.db.AutoMigrate(
		&domain.Queue{},
		&domain.Node{},
		&domain.JobDefinition{},
		&domain.DeploymentBinding{},
		&domain.JobInstance{},
		&domain.RuntimeParameter{},
		&domain.Message{},
		&domain.Deliverable{},
		&domain.HistoryRecord{},
	)
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
