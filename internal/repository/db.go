package repository

import (
	"errors"
	"fmt"
	"time"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewDB(dsn string, debug bool) (*gorm.DB, error) {
	logLevel := logger.Warn
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel), // Настройки логгирования
		TranslateError: true,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Настройка пула соединений
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// Конфигурация пула соединений
	sqlDB.SetMaxIdleConns(10)           // Максимальное количество бездействующих соединений
	sqlDB.SetMaxOpenConns(100)          // Максимальное количество открытых соединений
	sqlDB.SetConnMaxLifetime(time.Hour) // Максимальное время жизни соединения

	return db, nil
}

// Migrate создает и обновляет таблицы
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.User{},
		&model.Chat{},
		&model.Participant{},
		&model.Message{},
		&model.Reaction{},
		&model.ReadReceipt{},
		&model.Announcement{},
		&model.AnnouncementReceipt{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// translate приводит ошибки gorm к ошибкам репозитория
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.ErrConflict
	}
	return err
}
