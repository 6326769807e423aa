package db

import (
	"errors"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"nostr-relay-tray/nrt/common/config"
	"nostr-relay-tray/nrt/common/logx"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

type DB struct {
	GormDataSource *gorm.DB
	Driver         string
}

func OpenGorm(driver, dsn string, pool config.DBPoolCfg) (*DB, error) {
	var dial gorm.Dialector

	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		dial = sqlite.Open(dsn)
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer keeps sqlite free of "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.MaxLifetimeSec) * time.Second)
	}

	return &DB{GormDataSource: g, Driver: driver}, nil
}

func (d *DB) Close() error {
	if d == nil || d.GormDataSource == nil {
		return nil
	}
	sqlDB, err := d.GormDataSource.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
