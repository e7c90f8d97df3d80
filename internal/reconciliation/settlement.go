package reconciliation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

// WithdrawalRequest moves a confirmed payment to cold storage.
type WithdrawalRequest struct {
	TxID       string
	Provider   enums.Provider
	Amount     decimal.Decimal
	Coin       string
	Currency   enums.Currency
	Address    string
	BuyerEmail string
}

// WithdrawalReceipt is the provider's acknowledgement of a withdrawal.
type WithdrawalReceipt struct {
	Reference string
	Status    string
}

// Withdrawer submits withdrawals to a provider.
type Withdrawer interface {
	Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalReceipt, error)
}

// Withdrawers routes a withdrawal to the client for the transaction's provider.
type Withdrawers map[enums.Provider]Withdrawer

func (w Withdrawers) Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalReceipt, error) {
	client, ok := w[req.Provider]
	if !ok || client == nil {
		return WithdrawalReceipt{}, pkgerrors.New(pkgerrors.CodeDependency, "no withdrawal client for provider").
			WithDetails(map[string]string{"provider": string(req.Provider)})
	}
	return client.Withdraw(ctx, req)
}
