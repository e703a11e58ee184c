package chatlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const mysqlDuplicateEntry = 1062

// messageRow is the GORM model of the messages table.
type messageRow struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	IdempotencyToken string    `gorm:"size:128;uniqueIndex:uq_messages_idempotency_token;not null"`
	Content          string    `gorm:"type:text;not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

// cursorRow is a single-row table locked FOR UPDATE by every append, which
// makes InnoDB commit auto-increment ids in order.
type cursorRow struct {
	ID     int   `gorm:"primaryKey;autoIncrement:false"`
	LastID int64 `gorm:"not null;default:0"`
}

func (cursorRow) TableName() string { return "message_cursor" }

const cursorRowID = 1

// MySQLLog is a Log backed by MySQL through GORM.
type MySQLLog struct {
	db *gorm.DB
}

// OpenMySQLLog opens a GORM connection for dsn.
func OpenMySQLLog(dsn string, maxConns int) (*MySQLLog, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("chatlog: open mysql: %w", err)
	}
	if maxConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(maxConns)
	}
	return NewMySQLLog(db)
}

// NewMySQLLog wraps an existing GORM handle.
func NewMySQLLog(db *gorm.DB) (*MySQLLog, error) {
	if db == nil {
		return nil, errors.New("chatlog: nil gorm db")
	}
	return &MySQLLog{db: db}, nil
}

// Migrate creates the tables and seeds the cursor row.
func (l *MySQLLog) Migrate(ctx context.Context) error {
	db := l.db.WithContext(ctx)
	if err := db.AutoMigrate(&messageRow{}, &cursorRow{}); err != nil {
		return fmt.Errorf("chatlog: migrate: %w", err)
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&cursorRow{ID: cursorRowID}).Error
}

// Append inserts content under token, or reports the existing row for a known token.
func (l *MySQLLog) Append(ctx context.Context, content, token string) (AppendResult, error) {
	if err := validateAppend(content, token); err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur cursorRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cur, cursorRowID).Error; err != nil {
			return fmt.Errorf("lock cursor: %w", err)
		}

		var existing messageRow
		q := tx.Select("id").Where("idempotency_token = ?", token).Limit(1).Find(&existing)
		if q.Error != nil {
			return q.Error
		}
		if q.RowsAffected > 0 {
			res = AppendResult{ID: existing.ID, Duplicate: true}
			return nil
		}

		row := messageRow{IdempotencyToken: token, Content: content, CreatedAt: time.Now().UTC()}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Model(&cursorRow{}).Where("id = ?", cursorRowID).Update("last_id", row.ID).Error; err != nil {
			return err
		}
		res = AppendResult{ID: row.ID}
		return nil
	})
	if err != nil {
		var myErr *mysqldriver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return AppendResult{Duplicate: true}, nil
		}
		return AppendResult{}, err
	}
	return res, nil
}

// ReadRange returns every message with id > afterID, ascending.
func (l *MySQLLog) ReadRange(ctx context.Context, afterID int64) ([]Message, error) {
	var rows []messageRow
	if err := l.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// ReadPage returns up to limit messages with id < beforeID, descending.
func (l *MySQLLog) ReadPage(ctx context.Context, beforeID int64, limit int) ([]Message, error) {
	var rows []messageRow
	if err := l.db.WithContext(ctx).
		Where("id < ?", beforeID).
		Order("id DESC").
		Limit(clampPage(limit)).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

// Ping checks the underlying sql.DB.
func (l *MySQLLog) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying sql.DB. MySQLLog owns its connection.
func (l *MySQLLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toMessages(rows []messageRow) []Message {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{ID: r.ID, Token: r.IdempotencyToken, Content: r.Content})
	}
	return out
}
