package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/pkg/log"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config 为持久化层配置。
type Config struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`

	MaxOpenConns int `mapstructure:"max_open_conns"`
	MaxIdleConns int `mapstructure:"max_idle_conns"`
}

// GormStore 为基于 gorm 的 SessionStore 实现，记录写入 cim_session 表。
type GormStore struct {
	db *gorm.DB
}

var (
	_ SessionStore = (*GormStore)(nil)
	_ Closer       = (*GormStore)(nil)
)

// NewGormStore 基于已打开的 *gorm.DB 创建 GormStore。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// New 根据配置创建 SessionStore，Driver 为空时使用内存实现。
func New(cfg Config) (SessionStore, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverMySQL, DriverPostgres:
		return Open(cfg)
	default:
		return nil, merr.WrapErrParameterInvalid("memory|mysql|postgres", cfg.Driver, "store driver")
	}
}

// Open 打开数据库连接，并按需迁移 cim_session 表。
func Open(cfg Config) (*GormStore, error) {
	if cfg.DSN == "" {
		return nil, merr.WrapErrParameterMissing("store.dsn")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, merr.WrapErrParameterInvalid("mysql|postgres", cfg.Driver, "store driver")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: logger.New(zap.NewStdLog(log.L()), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "store: get database instance")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&model.Session{}); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrap(err, "store: migrate cim_session")
		}
	}

	log.Info("session store opened", zap.String("driver", cfg.Driver), zap.Bool("autoMigrate", cfg.AutoMigrate))
	return NewGormStore(db), nil
}

// Save 实现 SessionStore.Save。
func (g *GormStore) Save(ctx context.Context, s *model.Session) error {
	return g.db.WithContext(ctx).Create(s).Error
}

// Close 关闭底层数据库连接。
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
