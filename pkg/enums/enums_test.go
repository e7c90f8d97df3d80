package enums

import "testing"

func TestTransactionStatusTerminal(t *testing.T) {
	cases := map[TransactionStatus]bool{
		TransactionStatusPending:   false,
		TransactionStatusConfirmed: false,
		TransactionStatusWithdrawn: true,
		TransactionStatusFailed:    true,
		TransactionStatusRefunded:  true,
	}
	for status, terminal := range cases {
		if got := status.IsTerminal(); got != terminal {
			t.Fatalf("status %s expected terminal=%v got %v", status, terminal, got)
		}
	}
}

func TestParseTransactionStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseTransactionStatus("completed"); err == nil {
		t.Fatal("expected provider vocabulary to be rejected")
	}
	status, err := ParseTransactionStatus("confirmed")
	if err != nil || status != TransactionStatusConfirmed {
		t.Fatalf("unexpected parse result %q err=%v", status, err)
	}
}

func TestParseCurrencyIsCaseInsensitive(t *testing.T) {
	currency, err := ParseCurrency(" usdt ")
	if err != nil {
		t.Fatalf("parse currency: %v", err)
	}
	if currency != CurrencyUSDT {
		t.Fatalf("expected USDT, got %s", currency)
	}
	if _, err := ParseCurrency("BTC"); err == nil {
		t.Fatal("expected BTC to be outside the supported set")
	}
}

func TestParseProvider(t *testing.T) {
	if _, err := ParseProvider("busha"); err == nil {
		t.Fatal("expected unknown provider error")
	}
	if p, err := ParseProvider("mercuryo"); err != nil || p != ProviderMercuryo {
		t.Fatalf("unexpected provider %q err=%v", p, err)
	}
}

func TestSettlementStateWithdrawn(t *testing.T) {
	for state, want := range map[SettlementState]bool{
		SettlementStateNone:      false,
		SettlementStateDeferred:  false,
		SettlementStateSubmitted: true,
		SettlementStateSettled:   true,
	} {
		if !state.IsValid() {
			t.Fatalf("%s should be valid", state)
		}
		if got := state.Withdrawn(); got != want {
			t.Fatalf("%s withdrawn = %v, want %v", state, got, want)
		}
	}
	if RefundState("pending").IsValid() {
		t.Fatal("unknown refund state accepted")
	}
}
