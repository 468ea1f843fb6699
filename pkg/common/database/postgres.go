package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/synaptica-ai/trialmatch/pkg/common/config"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbOnce sync.Once
)

// PostgresDSN renders the connection string for the configured database.
func PostgresDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)
}

func GetPostgres(cfg *config.Config) (*gorm.DB, error) {
	var err error
	dbOnce.Do(func() {
		db, err = gorm.Open(postgres.Open(PostgresDSN(cfg)), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			logger.Log.WithError(err).Error("Failed to connect to PostgreSQL")
			return
		}

		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

		logger.Log.WithField("database", cfg.PostgresDB).Info("Connected to PostgreSQL")
	})

	return db, err
}

func ClosePostgres() error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
