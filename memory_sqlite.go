package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteMessage and sqliteWeight are the gorm models of the sqlite backend.
// Dates are stored as YYYY-MM-DD text so they sort lexically.
type sqliteMessage struct {
	ID     int64     `gorm:"primaryKey;autoIncrement"`
	UserID string    `gorm:"not null;index:idx_messages_user_ts,priority:1"`
	Role   string    `gorm:"not null"`
	Text   string    `gorm:"not null"`
	TS     time.Time `gorm:"not null;index:idx_messages_user_ts,priority:2"`
}

func (sqliteMessage) TableName() string { return "messages" }

type sqliteWeight struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"not null;index:idx_weights_user_date,priority:1"`
	Date      string    `gorm:"not null;index:idx_weights_user_date,priority:2"`
	WeightKG  float64   `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (sqliteWeight) TableName() string { return "weights" }

func (m sqliteMessage) toMessage() message {
	return message{ID: m.ID, UserID: m.UserID, Role: m.Role, Text: m.Text, TS: m.TS.UTC()}
}

func (w sqliteWeight) toEntry() weightEntry {
	d, _ := time.Parse("2006-01-02", w.Date)
	created := w.CreatedAt.UTC()
	return weightEntry{ID: w.ID, UserID: w.UserID, Date: DateOnly{d}, WeightKG: w.WeightKG, CreatedAt: &created}
}

// sqliteStore is a single-file session store for local runs. SQLite allows
// one writer at a time; per-user ordering of insert-and-trim is additionally
// guaranteed by an in-process keyed lock.
type sqliteStore struct {
	db        *gorm.DB
	retention int
	locks     *userLocks
}

func newSQLiteStore(path string, retention int, debug bool) (*sqliteStore, error) {
	if retention <= 0 {
		retention = defaultMessageRetention
	}
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logLevel)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&sqliteMessage{}, &sqliteWeight{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &sqliteStore{db: db, retention: retention, locks: newUserLocks()}, nil
}

func (s *sqliteStore) AddMessage(ctx context.Context, userID, role, text string) (message, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	row := sqliteMessage{UserID: userID, Role: role, Text: text, TS: time.Now().UTC()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		keep := tx.Model(&sqliteMessage{}).Select("id").
			Where("user_id = ?", userID).Order("ts DESC, id DESC").Limit(s.retention)
		return tx.Where("user_id = ? AND id NOT IN (?)", userID, keep).Delete(&sqliteMessage{}).Error
	})
	if err != nil {
		return message{}, &persistenceError{Op: "add message", Err: err}
	}
	return row.toMessage(), nil
}

func (s *sqliteStore) LastMessages(ctx context.Context, userID string, limit int) ([]message, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	var rows []sqliteMessage
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("ts DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, &persistenceError{Op: "last messages", Err: err}
	}
	msgs := make([]message, len(rows))
	for i, r := range rows {
		msgs[len(rows)-1-i] = r.toMessage()
	}
	return msgs, nil
}

func (s *sqliteStore) LogWeight(ctx context.Context, userID string, date time.Time, weightKG float64) (weightEntry, *float64, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	var (
		row  = sqliteWeight{UserID: userID, Date: date.Format("2006-01-02"), WeightKG: weightKG}
		prev *float64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last sqliteWeight
		err := tx.Where("user_id = ?", userID).Order("date DESC, id DESC").Take(&last).Error
		switch {
		case err == nil:
			prev = &last.WeightKG
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return weightEntry{}, nil, &persistenceError{Op: "log weight", Err: err}
	}
	return row.toEntry(), prev, nil
}

func (s *sqliteStore) LastWeight(ctx context.Context, userID string) (*weightEntry, error) {
	var last sqliteWeight
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("date DESC, id DESC").Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &persistenceError{Op: "last weight", Err: err}
	}
	e := last.toEntry()
	return &e, nil
}

func (s *sqliteStore) WeightHistory(ctx context.Context, userID string, limit int) ([]weightEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sqliteWeight
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("date DESC, id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, &persistenceError{Op: "weight history", Err: err}
	}
	entries := make([]weightEntry, len(rows))
	for i, r := range rows {
		entries[len(rows)-1-i] = r.toEntry()
	}
	return entries, nil
}

func (s *sqliteStore) Health(ctx context.Context) map[string]string {
	stats := map[string]string{"backend": "sqlite", "status": "up"}
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
	}
	return stats
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
