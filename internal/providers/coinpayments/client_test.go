package coinpayments

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/internal/reconciliation"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient("pub", "priv",
		WithBaseURL("http://cp.test/api.php"),
		WithHTTPClient(&http.Client{Transport: rt}),
		WithIPNURL("https://ledger.test/api/v1/webhooks/coinpayments"),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateTransactionSignsForm(t *testing.T) {
	var form url.Values
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if got := req.Header.Get("HMAC"); got != Sign("priv", body) {
			t.Fatalf("unexpected signature %q", got)
		}
		form, err = url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("parse form: %v", err)
		}
		return jsonResponse(http.StatusOK, `{"error":"ok","result":{"txn_id":"CPTX1","address":"LAddr","amount":"0.5","checkout_url":"https://cp/checkout","qrcode_url":"https://cp/qr"}}`), nil
	})

	res, err := client.CreateTransaction(context.Background(), TransactionRequest{
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		Coin:       "LTCT",
		BuyerEmail: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if res.TxnID != "CPTX1" || res.Address != "LAddr" || res.QRCodeURL != "https://cp/qr" {
		t.Fatalf("unexpected result %+v", res)
	}
	if form.Get("cmd") != "create_transaction" || form.Get("key") != "pub" || form.Get("version") != "1" {
		t.Fatalf("unexpected command fields %v", form)
	}
	if form.Get("amount") != "100.00" || form.Get("currency1") != "USD" || form.Get("currency2") != "LTCT" {
		t.Fatalf("unexpected amount fields %v", form)
	}
	if form.Get("ipn_url") != "https://ledger.test/api/v1/webhooks/coinpayments" {
		t.Fatalf("missing ipn url %v", form)
	}
}

func TestWithdrawSendsColdWalletSettlement(t *testing.T) {
	var form url.Values
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		form, _ = url.ParseQuery(string(body))
		return jsonResponse(http.StatusOK, `{"error":"ok","result":{"id":"WD1","status":1,"amount":"0.5"}}`), nil
	})

	receipt, err := client.Withdraw(context.Background(), reconciliation.WithdrawalRequest{
		TxID:     "CPTX1",
		Provider: enums.ProviderCoinPayments,
		Amount:   decimal.NewFromInt(102),
		Coin:     "LTCT",
		Currency: enums.CurrencyUSD,
		Address:  "TColdWallet111",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if receipt.Reference != "WD1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if form.Get("cmd") != "create_withdrawal" || form.Get("auto_confirm") != "1" {
		t.Fatalf("unexpected command fields %v", form)
	}
	if form.Get("address") != "TColdWallet111" || form.Get("currency") != "LTCT" || form.Get("currency2") != "USD" {
		t.Fatalf("unexpected withdrawal fields %v", form)
	}
}

func TestCallSurfacesProviderErrors(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"error":"Invalid command","result":[]}`), nil
	})
	_, err := client.Withdraw(context.Background(), reconciliation.WithdrawalRequest{Address: "w", Amount: decimal.NewFromInt(1)})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}

	client = newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadGateway, "upstream down"), nil
	})
	_, err = client.CreateTransaction(context.Background(), TransactionRequest{Amount: decimal.NewFromInt(1), Coin: "LTCT", Currency: "USD"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestCreateTransactionValidatesInput(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := client.CreateTransaction(context.Background(), TransactionRequest{Amount: decimal.Zero, Coin: "LTCT"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestNewClientRequiresKeys(t *testing.T) {
	if _, err := NewClient("", "priv"); err == nil {
		t.Fatal("expected missing public key error")
	}
	if _, err := NewClient("pub", " "); err == nil {
		t.Fatal("expected missing private key error")
	}
}
