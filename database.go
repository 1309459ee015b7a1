package main

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var allModels = []any{&BotModel{}, &Role{}, &User{}, &Wallet{}, &LedgerEntry{}, &Message{}}

func initDB(path string) (*gorm.DB, error) {
	dbLog := logger.With().Str("component", "gorm").Logger()
	newLogger := gormlogger.New(
		&dbLog,
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         newLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; serialising keeps ledger transactions from
	// failing with SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels...); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return createDefaultRoles(db)
}

func createDefaultRoles(db *gorm.DB) error {
	roles := []string{RoleUser, RoleAdmin, RoleOwner}
	for _, roleName := range roles {
		var role Role
		if err := db.FirstOrCreate(&role, Role{Name: roleName}).Error; err != nil {
			return fmt.Errorf("failed to create default role %s: %w", roleName, err)
		}
	}
	return nil
}
