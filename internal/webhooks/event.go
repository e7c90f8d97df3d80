package webhooks

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/pkg/enums"
)

// UnknownBuyer is stored when a provider omits the buyer email.
const UnknownBuyer = "unknown"

// ProviderStatus is the provider's reported outcome after normalization.
type ProviderStatus string

const (
	StatusCompleted ProviderStatus = "completed"
	StatusFailed    ProviderStatus = "failed"
	StatusPending   ProviderStatus = "pending"
)

// Known reports whether the status is one the ledger can act on.
func (s ProviderStatus) Known() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPending:
		return true
	}
	return false
}

// PaymentEvent is the canonical form of a provider webhook.
type PaymentEvent struct {
	ExternalID       string
	Provider         enums.Provider
	Coin             string
	Currency         enums.Currency
	FiatAmount       decimal.Decimal
	WalletAddress    string
	BuyerEmail       string
	ProviderStatus   ProviderStatus
	RawStatus        string
	PaymentMethodRef string
	Raw              json.RawMessage
}

// DeliveryKey identifies one provider delivery for dedupe purposes.
func (e PaymentEvent) DeliveryKey() (provider, externalID, status string) {
	return string(e.Provider), e.ExternalID, e.RawStatus
}
