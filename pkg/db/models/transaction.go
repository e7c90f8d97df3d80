package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/angelmondragon/rampledger/pkg/enums"
)

// Transaction is the ledger's unit of truth for one provider payment.
type Transaction struct {
	TxID             string                  `gorm:"column:tx_id;primaryKey" json:"txId"`
	Provider         enums.Provider          `gorm:"column:provider;type:text;not null" json:"provider"`
	Coin             string                  `gorm:"column:coin;not null" json:"coin"`
	Currency         enums.Currency          `gorm:"column:currency;type:text;not null" json:"currency"`
	Amount           decimal.Decimal         `gorm:"column:amount;type:numeric(18,2);not null" json:"amount"`
	MerchantReceived decimal.Decimal         `gorm:"column:merchant_received;type:numeric(18,2);not null" json:"merchantReceived"`
	AdminFee         decimal.Decimal         `gorm:"column:admin_fee;type:numeric(18,2);not null" json:"adminFee"`
	Address          string                  `gorm:"column:address;not null" json:"address"`
	BuyerEmail       string                  `gorm:"column:buyer_email;not null" json:"buyerEmail"`
	Status           enums.TransactionStatus `gorm:"column:status;type:text;not null" json:"status"`
	IsFrozen         bool                    `gorm:"column:is_frozen;not null" json:"isFrozen"`
	IsFlagged        bool                    `gorm:"column:is_flagged;not null" json:"isFlagged"`
	FraudFlag        *enums.FraudFlag        `gorm:"column:fraud_flag;type:text" json:"fraudFlag,omitempty"`
	PaymentMethodRef string                  `gorm:"column:payment_method_ref" json:"paymentMethodRef,omitempty"`
	Settlement       enums.SettlementState   `gorm:"column:settlement_state;type:text;not null" json:"settlementState"`
	SettlementRef    string                  `gorm:"column:settlement_ref" json:"settlementRef,omitempty"`
	RefundState      enums.RefundState       `gorm:"column:refund_state;type:text;not null" json:"refundState"`
	RawEvent         datatypes.JSON          `gorm:"column:raw_event;type:jsonb" json:"rawEvent,omitempty"`
	History          []TransactionHistory    `gorm:"foreignKey:TxID;references:TxID" json:"history"`
	CreatedAt        time.Time               `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Transaction) TableName() string { return "transactions" }

// Clone returns a deep copy so callers never share the history slice.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.History != nil {
		out.History = make([]TransactionHistory, len(t.History))
		copy(out.History, t.History)
	}
	if t.RawEvent != nil {
		out.RawEvent = append(datatypes.JSON(nil), t.RawEvent...)
	}
	if t.FraudFlag != nil {
		flag := *t.FraudFlag
		out.FraudFlag = &flag
	}
	return &out
}
