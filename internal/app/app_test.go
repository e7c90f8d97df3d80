package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/internal/webhooks"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		App:          config.AppConfig{Env: "dev"},
		Ledger:       config.LedgerConfig{Driver: config.LedgerDriverMemory, MaxCASRetries: 3},
		CoinPayments: config.CoinPaymentsConfig{IPNSecret: "ipn-secret"},
		Mercuryo:     config.MercuryoConfig{WebhookSecret: "mercuryo-secret"},
		Settlement:   config.SettlementConfig{ColdWalletAddress: "TColdWallet111"},
	}
}

func TestNewWiresMemoryLedger(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf})

	a, err := New(context.Background(), memoryConfig(), logg, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if a.DB != nil || a.Redis != nil || a.PubSub != nil {
		t.Fatal("expected no external backends")
	}
	if a.Payments != nil {
		t.Fatal("payments should be disabled without coinpayments keys")
	}
	if a.Guard != nil {
		t.Fatal("delivery guard should be disabled without redis")
	}

	res, err := a.Engine.Apply(context.Background(), webhooks.PaymentEvent{
		ExternalID:     "TX1",
		Provider:       enums.ProviderMercuryo,
		Coin:           "USDT.TRC20",
		Currency:       enums.CurrencyUSD,
		FiatAmount:     decimal.NewFromInt(100),
		BuyerEmail:     webhooks.UnknownBuyer,
		ProviderStatus: webhooks.StatusCompleted,
		RawStatus:      "completed",
		Raw:            []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Tx.Status != enums.TransactionStatusConfirmed {
		t.Fatalf("expected confirmed with settlement deferred, got %s", res.Tx.Status)
	}
	if res.Settlement != enums.SettlementStateDeferred {
		t.Fatalf("expected deferred settlement, got %s", res.Settlement)
	}

	got, err := a.Admin.Get(context.Background(), "TX1")
	if err != nil || got.TxID != "TX1" {
		t.Fatalf("admin read: %v %v", got, err)
	}
}

func TestNewRequiresWebhookSecrets(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mercuryo.WebhookSecret = ""
	logg := logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}})

	if _, err := New(context.Background(), cfg, logg, nil); err == nil {
		t.Fatal("expected missing secret to fail")
	}
}

func TestIPNURL(t *testing.T) {
	if got := ipnURL("https://ledger.example.com/"); got != "https://ledger.example.com/api/v1/webhooks/coinpayments" {
		t.Fatalf("unexpected %q", got)
	}
	if ipnURL("") != "" {
		t.Fatal("expected empty url without base")
	}
}
