// Package indexer keeps a queryable history of processed actions in a SQL
// database.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cawnet/core/events"
	"cawnet/core/types"
)

// ErrBatchNotFound is returned when a batch id was never indexed.
var ErrBatchNotFound = errors.New("indexer: batch not found")

// Indexer consumes action events and serves history queries. It implements
// events.Emitter.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database named by dsn and migrates it. postgres://
// and postgresql:// URLs use PostgreSQL, anything else is a sqlite DSN.
func Open(dsn string) (*Indexer, error) {
	db, err := gorm.Open(dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", redactDSN(dsn), err)
	}
	return New(db)
}

func dialector(dsn string) gorm.Dialector {
	if isPostgres(dsn) {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// redactDSN drops credentials from URL style DSNs before they reach errors.
func redactDSN(dsn string) string {
	if !isPostgres(dsn) {
		return dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "postgres"
	}
	return parsed.Redacted()
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Indexer{db: db, logger: slog.Default(), now: time.Now}, nil
}

func (i *Indexer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

// Emit records batch events. Other events are ignored. Write failures are
// logged since emitters cannot fail the batch that produced the event.
func (i *Indexer) Emit(ev events.Event) {
	var err error
	switch e := ev.(type) {
	case events.ActionsProcessed:
		err = i.recordProcessed(e)
	case events.ActionRejected:
		err = i.recordRejected(e)
	default:
		return
	}
	if err != nil {
		i.logger.Error("index event",
			slog.String("event", ev.EventType()),
			slog.Any("error", err))
	}
}

func (i *Indexer) recordProcessed(e events.ActionsProcessed) error {
	now := i.now().UTC()
	var records []ActionRecord
	for _, bucket := range [][]types.Action{e.Posts, e.Interactions, e.UserInteractions, e.Withdrawals} {
		for _, action := range bucket {
			records = append(records, acceptedRecord(e.BatchID, e.Layer, action, now))
		}
	}
	return i.db.Transaction(func(tx *gorm.DB) error {
		batch := BatchRecord{
			BatchID:     e.BatchID,
			Layer:       uint32(e.Layer),
			ValidatorID: uint32(e.ValidatorID),
			Accepted:    len(records),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"validator_id", "accepted", "updated_at"}),
		}).Create(&batch).Error
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 100).Error
	})
}

func (i *Indexer) recordRejected(e events.ActionRejected) error {
	now := i.now().UTC()
	return i.db.Transaction(func(tx *gorm.DB) error {
		batch := BatchRecord{
			BatchID:   e.BatchID,
			Layer:     uint32(e.Layer),
			Rejected:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "batch_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"rejected":   gorm.Expr("rejected + 1"),
				"updated_at": now,
			}),
		}).Create(&batch).Error
		if err != nil {
			return err
		}
		return tx.Create(&ActionRecord{
			BatchID:   e.BatchID,
			Layer:     uint32(e.Layer),
			SenderID:  uint32(e.SenderID),
			Cawonce:   e.Cawonce,
			Type:      e.Type.String(),
			Status:    StatusRejected,
			Reason:    e.Reason,
			Message:   e.Message,
			CreatedAt: now,
		}).Error
	})
}

func acceptedRecord(batchID string, layer types.Layer, action types.Action, at time.Time) ActionRecord {
	record := ActionRecord{
		BatchID:         batchID,
		Layer:           uint32(layer),
		SenderID:        uint32(action.SenderID),
		Cawonce:         action.Cawonce,
		Type:            action.Type.String(),
		ReceiverID:      uint32(action.ReceiverID),
		ReceiverCawonce: action.ReceiverCawonce,
		Text:            action.Text,
		Status:          StatusAccepted,
		CreatedAt:       at,
	}
	switch action.Type.Bucket() {
	case types.BucketPosts:
		record.CawID = action.CawID()
	case types.BucketInteractions:
		record.TargetCawID = action.TargetCawID()
	}
	return record
}

// BySender returns the most recent actions sent by an identity on layer,
// newest first.
func (i *Indexer) BySender(ctx context.Context, layer types.Layer, sender types.IdentityID, limit int) ([]ActionRecord, error) {
	var records []ActionRecord
	err := i.db.WithContext(ctx).
		Where("layer = ? AND sender_id = ?", uint32(layer), uint32(sender)).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Interactions returns the accepted interactions that target a caw on
// layer, newest first.
func (i *Indexer) Interactions(ctx context.Context, layer types.Layer, cawID uint64, limit int) ([]ActionRecord, error) {
	var records []ActionRecord
	err := i.db.WithContext(ctx).
		Where("layer = ? AND target_caw_id = ? AND status = ?", uint32(layer), cawID, StatusAccepted).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Batch returns the summary of one batch.
func (i *Indexer) Batch(ctx context.Context, batchID string) (BatchRecord, error) {
	var batch BatchRecord
	err := i.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BatchRecord{}, ErrBatchNotFound
	}
	return batch, err
}

// Close releases the underlying connection pool.
func (i *Indexer) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
