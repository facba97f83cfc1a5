package db

import (
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shieldpool/internal/config"
	"shieldpool/internal/metrics"
	"shieldpool/internal/models"
)

var DB *gorm.DB

// InitDB connects to Postgres and migrates the shielded pool schema
func InitDB() {
	var err error

	if config.AppConfig == nil || config.AppConfig.Database.DSN == "" {
		log.Fatalf("Database DSN is required")
	}

	dsn := config.AppConfig.Database.DSN
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		log.Fatalf("Failed to connect database: %v", err)
	}

	metrics.DBConnectionStatus.Set(1)
	log.Println("✅ Database connected successfully")

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := DB.AutoMigrate(
		&models.Deposit{},
		&models.ComplianceRecord{},
		&models.WithdrawRequest{},
		&models.PublishedRoot{},
		&models.SponsorshipGrantRecord{},
	); err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}
	log.Println("✅ Database schema migrated successfully")
}

// HealthCheck pings the database and updates the connection gauge
func HealthCheck() error {
	sqlDB, err := DB.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return err
	}
	start := time.Now()
	if err := sqlDB.Ping(); err != nil {
		metrics.DBConnectionStatus.Set(0)
		return err
	}
	metrics.DBQueryDuration.WithLabelValues("ping").Observe(time.Since(start).Seconds())
	metrics.DBConnectionStatus.Set(1)
	return nil
}
