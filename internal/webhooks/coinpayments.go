package webhooks

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/angelmondragon/rampledger/internal/fees"
	"github.com/angelmondragon/rampledger/pkg/enums"
)

// CoinPaymentsNormalizer reads form-encoded IPN bodies.
type CoinPaymentsNormalizer struct {
	// MerchantID, when set, must match the IPN's merchant field.
	MerchantID string
}

func (CoinPaymentsNormalizer) Provider() enums.Provider { return enums.ProviderCoinPayments }

func (n CoinPaymentsNormalizer) Normalize(raw []byte) (PaymentEvent, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return PaymentEvent{}, malformed(enums.ProviderCoinPayments, "payload is not form encoded", err)
	}

	if n.MerchantID != "" && form.Get("merchant") != n.MerchantID {
		return PaymentEvent{}, authError(enums.ProviderCoinPayments, "merchant id mismatch")
	}

	txnID := strings.TrimSpace(form.Get("txn_id"))
	if txnID == "" {
		return PaymentEvent{}, malformed(enums.ProviderCoinPayments, "txn_id is required", nil)
	}
	rawAmount := strings.TrimSpace(form.Get("amount1"))
	if rawAmount == "" {
		return PaymentEvent{}, malformed(enums.ProviderCoinPayments, "amount1 is required", nil)
	}
	amount, err := fees.ParseAmount(rawAmount)
	if err != nil {
		return PaymentEvent{}, err
	}
	currency, err := parseCurrency(enums.ProviderCoinPayments, form.Get("currency1"))
	if err != nil {
		return PaymentEvent{}, err
	}
	coin := strings.TrimSpace(form.Get("currency2"))
	if coin == "" {
		return PaymentEvent{}, malformed(enums.ProviderCoinPayments, "currency2 is required", nil)
	}

	rawStatus := strings.TrimSpace(form.Get("status"))
	return PaymentEvent{
		ExternalID:     txnID,
		Provider:       enums.ProviderCoinPayments,
		Coin:           coin,
		Currency:       currency,
		FiatAmount:     amount,
		WalletAddress:  strings.TrimSpace(form.Get("address")),
		BuyerEmail:     buyerOrUnknown(form.Get("email")),
		ProviderStatus: coinPaymentsStatus(rawStatus),
		RawStatus:      rawStatus,
		Raw:            formJSON(form),
	}, nil
}

// coinPaymentsStatus maps the numeric IPN status. 100 and 2 are complete, negatives failed,
// other non-negative values still in progress.
func coinPaymentsStatus(raw string) ProviderStatus {
	code, err := strconv.Atoi(raw)
	if err != nil {
		return ProviderStatus(raw)
	}
	switch {
	case code >= 100 || code == 2:
		return StatusCompleted
	case code < 0:
		return StatusFailed
	default:
		return StatusPending
	}
}

func formJSON(form url.Values) json.RawMessage {
	flat := make(map[string]string, len(form))
	for key := range form {
		flat[key] = form.Get(key)
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return nil
	}
	return out
}
