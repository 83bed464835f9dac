package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/example/support-relay/domain/support"
)

// GormStore implements Store on GORM. It is used with SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
func OpenSQLite(path string, debug bool) (*GormStore, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps
	// ":memory:" databases shared across calls.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return NewGormStore(db)
}

// NewGormStore wraps an open GORM connection and runs migrations.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&MessageRecord{}, &AttachmentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &GormStore{db: db}, nil
}

// WithTx runs fn inside a GORM transaction.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	if err != nil {
		return classifyGormError(err)
	}
	return nil
}

// DeleteMessage removes a message and its attachments in one transaction.
func (s *GormStore) DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("message_id = ?", messageID)
		if affiliationID != "" {
			q = q.Where("driver_id = ? OR customer_id = ?", affiliationID, affiliationID)
		}
		var ids []string
		if err := q.Model(&MessageRecord{}).Pluck("message_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&AttachmentRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("message_id IN ?", ids).Delete(&MessageRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", classifyGormError(err))
	}
	return deleted, nil
}

// MessagesByAffiliation returns a page of history, oldest first.
func (s *GormStore) MessagesByAffiliation(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	page := HistoryPage{Page: q.Page, Limit: q.Limit, Messages: []support.Message{}}

	base := s.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("driver_id = ? OR customer_id = ?", q.AffiliationID, q.AffiliationID)

	if err := base.Session(&gorm.Session{}).Count(&page.Total).Error; err != nil {
		return HistoryPage{}, fmt.Errorf("failed to count messages: %w", err)
	}

	find := base.Session(&gorm.Session{}).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("timestamp ASC").Order("id ASC")
	if q.Limit > 0 {
		find = find.Offset(q.Offset()).Limit(q.Limit)
	}

	var records []MessageRecord
	if err := find.Find(&records).Error; err != nil {
		return HistoryPage{}, fmt.Errorf("failed to find messages: %w", err)
	}
	for _, r := range records {
		page.Messages = append(page.Messages, r.toDomain())
	}
	return page, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) InsertMessageIfAbsent(ctx context.Context, msg support.Message) (int64, error) {
	rec := newMessageRecord(msg)
	result := t.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(&rec)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert message: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (t *gormTx) InsertAttachment(ctx context.Context, messageID, affiliationID string, a support.Attachment, ts time.Time) error {
	rec := AttachmentRecord{
		MessageID: messageID,
		DriverID:  affiliationID,
		FileName:  a.FileName,
		FileURL:   a.FileURL,
		MediaType: string(a.Type),
		FileSize:  a.FileSize,
		MimeType:  a.MimeType,
		Duration:  a.Duration,
		Timestamp: ts,
	}
	if err := t.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

func classifyGormError(err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrInvalidField),
		errors.Is(err, support.ErrInvalidMessage):
		if errors.Is(err, ErrPermanent) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
