package enums

import "fmt"

// Provider identifies the payment processor that originated a transaction.
type Provider string

const (
	ProviderCoinPayments Provider = "coinpayments"
	ProviderMercuryo     Provider = "mercuryo"
)

var validProviders = []Provider{
	ProviderCoinPayments,
	ProviderMercuryo,
}

func (p Provider) String() string {
	return string(p)
}

// IsValid reports whether the provider is recognized.
func (p Provider) IsValid() bool {
	for _, candidate := range validProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseProvider converts a raw string into a Provider.
func ParseProvider(value string) (Provider, error) {
	for _, candidate := range validProviders {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider %q", value)
}
