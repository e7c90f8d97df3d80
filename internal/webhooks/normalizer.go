package webhooks

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/angelmondragon/rampledger/internal/fees"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

// Normalizer maps one provider's payload onto PaymentEvent.
type Normalizer interface {
	Provider() enums.Provider
	Normalize(raw []byte) (PaymentEvent, error)
}

// Normalizers indexes normalizers by provider.
type Normalizers map[enums.Provider]Normalizer

// Normalize dispatches raw to the provider's normalizer.
func (n Normalizers) Normalize(provider enums.Provider, raw []byte) (PaymentEvent, error) {
	normalizer, ok := n[provider]
	if !ok {
		return PaymentEvent{}, malformed(provider, "unsupported provider", nil)
	}
	return normalizer.Normalize(raw)
}

// MercuryoNormalizer reads Mercuryo JSON webhooks.
type MercuryoNormalizer struct {
	// Coin is the settlement asset Mercuryo purchases deliver.
	Coin string
}

type mercuryoPayload struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	FiatAmount    flexString `json:"fiat_amount"`
	FiatCurrency  string     `json:"fiat_currency"`
	WalletAddress string     `json:"wallet_address"`
	UserEmail     string     `json:"user_email"`
}

func (MercuryoNormalizer) Provider() enums.Provider { return enums.ProviderMercuryo }

func (n MercuryoNormalizer) Normalize(raw []byte) (PaymentEvent, error) {
	var payload mercuryoPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PaymentEvent{}, malformed(enums.ProviderMercuryo, "payload is not valid json", err)
	}

	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return PaymentEvent{}, malformed(enums.ProviderMercuryo, "id is required", nil)
	}
	if payload.FiatAmount == "" {
		return PaymentEvent{}, malformed(enums.ProviderMercuryo, "fiat_amount is required", nil)
	}
	amount, err := fees.ParseAmount(string(payload.FiatAmount))
	if err != nil {
		return PaymentEvent{}, err
	}
	currency, err := parseCurrency(enums.ProviderMercuryo, payload.FiatCurrency)
	if err != nil {
		return PaymentEvent{}, err
	}

	coin := n.Coin
	if coin == "" {
		coin = DefaultMercuryoCoin
	}
	rawStatus := strings.ToLower(strings.TrimSpace(payload.Status))

	return PaymentEvent{
		ExternalID:       id,
		Provider:         enums.ProviderMercuryo,
		Coin:             coin,
		Currency:         currency,
		FiatAmount:       amount,
		WalletAddress:    strings.TrimSpace(payload.WalletAddress),
		BuyerEmail:       buyerOrUnknown(payload.UserEmail),
		ProviderStatus:   mercuryoStatus(rawStatus),
		RawStatus:        rawStatus,
		PaymentMethodRef: id,
		Raw:              compactJSON(raw),
	}, nil
}

// DefaultMercuryoCoin is the asset card purchases settle in.
const DefaultMercuryoCoin = "USDT.TRC20"

func mercuryoStatus(raw string) ProviderStatus {
	switch raw {
	case "completed", "paid", "succeeded":
		return StatusCompleted
	case "failed", "cancelled", "declined":
		return StatusFailed
	case "pending", "new", "order_scheduled":
		return StatusPending
	}
	return ProviderStatus(raw)
}

func parseCurrency(provider enums.Provider, raw string) (enums.Currency, error) {
	if strings.TrimSpace(raw) == "" {
		return enums.CurrencyUSD, nil
	}
	currency, err := enums.ParseCurrency(raw)
	if err != nil {
		return "", malformed(provider, "unsupported currency", err).WithDetails(map[string]string{
			"provider": string(provider),
			"currency": raw,
		})
	}
	return currency, nil
}

func buyerOrUnknown(email string) string {
	if trimmed := strings.TrimSpace(email); trimmed != "" {
		return trimmed
	}
	return UnknownBuyer
}

func compactJSON(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}

func malformed(provider enums.Provider, reason string, err error) *pkgerrors.Error {
	var out *pkgerrors.Error
	if err != nil {
		out = pkgerrors.Wrap(pkgerrors.CodeMalformedEvent, err, reason)
	} else {
		out = pkgerrors.New(pkgerrors.CodeMalformedEvent, reason)
	}
	return out.WithDetails(map[string]string{"provider": string(provider)})
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
