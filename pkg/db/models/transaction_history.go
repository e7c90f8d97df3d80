package models

import (
	"time"

	"github.com/angelmondragon/rampledger/pkg/enums"
)

// TransactionHistory is one append-only audit entry. Rows are never updated.
type TransactionHistory struct {
	ID        uint64                  `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	TxID      string                  `gorm:"column:tx_id;not null;index" json:"-"`
	Status    enums.TransactionStatus `gorm:"column:status;type:text;not null" json:"status"`
	UpdatedAt time.Time               `gorm:"column:updated_at;not null" json:"updatedAt"`
	UpdatedBy string                  `gorm:"column:updated_by;not null" json:"updatedBy"`
	Reason    string                  `gorm:"column:reason;not null" json:"reason"`
}

func (TransactionHistory) TableName() string { return "transaction_history" }
