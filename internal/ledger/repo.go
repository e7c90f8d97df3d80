package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/angelmondragon/rampledger/pkg/db"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// retryableSettlement lists the states the retry sweep picks up. Submitted rows only need
// their recorded withdrawal applied to the ledger.
var retryableSettlement = []enums.SettlementState{enums.SettlementStateDeferred, enums.SettlementStateSubmitted}

type repository struct {
	client *db.Client
	now    func() time.Time
}

// NewRepository returns a Store backed by the shared GORM connection.
func NewRepository(client *db.Client) (Store, error) {
	if client == nil {
		return nil, errors.New("db client required")
	}
	return &repository{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (r *repository) FindByExternalID(ctx context.Context, txID string) (*models.Transaction, error) {
	var out *models.Transaction
	err := r.readTx(ctx, func(tx *gorm.DB) error {
		found, err := findTransaction(tx, txID)
		out = found
		return err
	})
	return out, err
}

func (r *repository) CreateIfAbsent(ctx context.Context, record *models.Transaction) (*models.Transaction, bool, error) {
	if err := validateNew(record); err != nil {
		return nil, false, err
	}

	row := record.Clone()
	history := row.History
	row.History = nil
	if row.Settlement == "" {
		row.Settlement = enums.SettlementStateNone
	}
	if row.RefundState == "" {
		row.RefundState = enums.RefundStateNone
	}
	now := r.now()
	row.CreatedAt, row.UpdatedAt = now, now

	created := false
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_id"}},
			DoNothing: true,
		}).Omit(clause.Associations).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for i := range history {
			history[i].ID = 0
			history[i].TxID = row.TxID
			if history[i].UpdatedAt.IsZero() {
				history[i].UpdatedAt = now
			}
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	stored, err := r.FindByExternalID(ctx, record.TxID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, notFound(record.TxID)
	}
	return stored, created, nil
}

func (r *repository) UpdateStatus(ctx context.Context, txID string, change Transition) (*models.Transaction, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}
	now := r.now()
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     change.Next,
			"updated_at": now,
		}
		if change.Settlement != "" {
			updates["settlement_state"] = change.Settlement
		}
		if change.SettlementRef != "" {
			updates["settlement_ref"] = change.SettlementRef
		}
		if change.Refund != "" {
			updates["refund_state"] = change.Refund
		}

		q := tx.Model(&models.Transaction{}).Where("tx_id = ? AND status = ?", txID, change.Expected)
		if change.Expected != change.Next {
			q = q.Where("is_frozen = ?", false)
			if change.commitsRefundClaim() {
				q = q.Where("refund_state = ?", enums.RefundStateRequested)
			} else {
				q = q.Where("refund_state <> ?", enums.RefundStateRequested)
			}
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casMiss(tx, txID)
		}

		entry := change.Entry
		entry.ID = 0
		entry.TxID = txID
		entry.Status = change.Next
		if entry.UpdatedAt.IsZero() {
			entry.UpdatedAt = now
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return r.mustFind(ctx, txID)
}

func (r *repository) SetFrozen(ctx context.Context, txID string, change FreezeChange) (*models.Transaction, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}
	now := r.now()
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&models.Transaction{}).
			Where("tx_id = ? AND status = ? AND is_frozen = ?", txID, change.ExpectedStatus, !change.Frozen)
		if change.Frozen {
			q = q.Where("refund_state <> ?", enums.RefundStateRequested)
		}
		res := q.Updates(map[string]any{"is_frozen": change.Frozen, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casMiss(tx, txID)
		}

		entry := change.Entry
		entry.ID = 0
		entry.TxID = txID
		entry.Status = change.ExpectedStatus
		if entry.UpdatedAt.IsZero() {
			entry.UpdatedAt = now
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return r.mustFind(ctx, txID)
}

func (r *repository) ClaimRefund(ctx context.Context, txID string, expected enums.TransactionStatus) (*models.Transaction, error) {
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Transaction{}).
			Where("tx_id = ? AND status = ? AND is_frozen = ? AND refund_state = ?",
				txID, expected, false, enums.RefundStateNone).
			Where("settlement_state NOT IN ?", []enums.SettlementState{
				enums.SettlementStateSubmitted, enums.SettlementStateSettled,
			}).
			Where("COALESCE(settlement_ref, '') = ''").
			Updates(map[string]any{"refund_state": enums.RefundStateRequested, "updated_at": r.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casMiss(tx, txID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.mustFind(ctx, txID)
}

func (r *repository) ReleaseRefund(ctx context.Context, txID string) (*models.Transaction, error) {
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Transaction{}).
			Where("tx_id = ? AND refund_state = ?", txID, enums.RefundStateRequested).
			Updates(map[string]any{"refund_state": enums.RefundStateNone, "updated_at": r.now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casMiss(tx, txID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.mustFind(ctx, txID)
}

func (r *repository) ToggleFlag(ctx context.Context, txID string) (*models.Transaction, error) {
	res := r.client.DB().WithContext(ctx).
		Model(&models.Transaction{}).
		Where("tx_id = ?", txID).
		Updates(map[string]any{
			"is_flagged": gorm.Expr("NOT is_flagged"),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, notFound(txID)
	}
	return r.mustFind(ctx, txID)
}

func (r *repository) List(ctx context.Context, filter Filter, params pagination.Params) ([]models.Transaction, int64, error) {
	params = params.Normalize()
	var (
		rows  []models.Transaction
		total int64
	)
	err := r.readTx(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&models.Transaction{})
		if filter.Status != nil {
			q = q.Where("status = ?", *filter.Status)
		}
		if filter.Provider != nil {
			q = q.Where("provider = ?", *filter.Provider)
		}
		if err := q.Count(&total).Error; err != nil {
			return err
		}
		return q.Preload("History", orderedHistory).
			Order("created_at DESC").
			Order("tx_id ASC").
			Offset(params.Offset()).
			Limit(params.Limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *repository) ListSettlementDeferred(ctx context.Context, limit int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := r.client.DB().WithContext(ctx).
		Where("status = ? AND settlement_state IN ? AND is_frozen = ? AND refund_state = ?",
			enums.TransactionStatusConfirmed, retryableSettlement, false, enums.RefundStateNone).
		Preload("History", orderedHistory).
		Order("updated_at ASC").
		Limit(pagination.NormalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) mustFind(ctx context.Context, txID string) (*models.Transaction, error) {
	found, err := r.FindByExternalID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound(txID)
	}
	return found, nil
}

// readTx runs reads against a single snapshot so a row and its history never disagree.
func (r *repository) readTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if r.client.Driver() != db.DriverPostgres {
		return fn(r.client.DB().WithContext(ctx))
	}
	return r.client.DB().WithContext(ctx).Transaction(fn, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
}

func findTransaction(tx *gorm.DB, txID string) (*models.Transaction, error) {
	var row models.Transaction
	err := tx.Preload("History", orderedHistory).
		Where("tx_id = ?", txID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func casMiss(tx *gorm.DB, txID string) error {
	var count int64
	if err := tx.Model(&models.Transaction{}).Where("tx_id = ?", txID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return notFound(txID)
	}
	return conflict(txID)
}

func orderedHistory(tx *gorm.DB) *gorm.DB {
	return tx.Order("id ASC")
}
