package global

import (
	"agentfleet/backend/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	Config *config.Config
	Logger zerolog.Logger
	Mdb    *gorm.DB
	// Rdb is set only when the redis blob backend is configured.
	Rdb *redis.Client
)
