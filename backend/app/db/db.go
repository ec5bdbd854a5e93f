package db

import (
	"fmt"
	"strings"

	"agentfleet/backend/app/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Driver   string // mysql | sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Path     string // sqlite file path or DSN
	LogSQL   bool
}

func Connect(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.LogSQL {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		return gorm.Open(mysql.Open(dsn), gcfg)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "agentfleet.db"
		}
		return gorm.Open(sqlite.Open(path), gcfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// Migrate creates or updates the three lifecycle tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.AgentMachine{}, &models.AgentSnapshot{}, &models.AgentVMSecrets{})
}
