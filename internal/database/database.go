package database

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	DB          *gorm.DB
	RedisClient *redis.Client
)

// InitDatabase initializes database connection
func InitDatabase(cfg *config.Config) error {
	var err error

	DB, err = Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Redis is optional: replay protection falls back to memory without it
	if cfg.RedisURL != "" {
		if RedisClient, err = OpenRedis(cfg.RedisURL); err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
	} else {
		logging.Warnf("REDIS_URL not set, notification replay protection is process-local")
	}

	// Auto migrate tables
	if err := AutoMigrate(DB); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

// Open connects to PostgreSQL when DATABASE_URL is set and falls back to SQLite otherwise
func Open(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		// Fallback to SQLite for development
		logging.Infof("Database URL not set, using SQLite for development: %s", cfg.SQLitePath)
		return OpenSQLite(cfg.SQLitePath)
	}

	// Use PostgreSQL for production
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig(logger.Warn))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// OpenSQLite opens a SQLite database with foreign keys enforced
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(logger.Warn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite only supports one writer at a time
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

func gormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
}

// OpenRedis parses a redis:// URL and checks the connection
func OpenRedis(redisURL string) (*redis.Client, error) {
	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// AutoMigrate performs database migration
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Subscription{}, // 订阅表
	)
}

// CloseDatabase closes database connections
func CloseDatabase() error {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logging.Errorf("Failed to close database: %v", err)
			}
		}
	}

	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}

	return nil
}
