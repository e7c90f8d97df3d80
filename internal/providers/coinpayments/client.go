package coinpayments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/internal/reconciliation"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

const (
	defaultBaseURL             = "https://www.coinpayments.net/api.php"
	apiVersion                 = "1"
	responseReadLimit    int64 = 1 << 16
	errorBodyReadLimit   int64 = 1024
	signatureHeader            = "HMAC"
	cmdCreateTransaction       = "create_transaction"
	cmdCreateWithdrawal        = "create_withdrawal"
)

var (
	errPublicKeyRequired  = errors.New("coinpayments public key is required")
	errPrivateKeyRequired = errors.New("coinpayments private key is required")
)

// Client calls the CoinPayments merchant API. Every call is a form post signed with the
// private key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	publicKey  string
	privateKey string
	ipnURL     string
}

// Option configures optional client behavior.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithIPNURL sets the callback CoinPayments posts payment updates to.
func WithIPNURL(ipnURL string) Option {
	return func(c *Client) {
		c.ipnURL = strings.TrimSpace(ipnURL)
	}
}

// NewClient builds a client from the merchant API key pair.
func NewClient(publicKey, privateKey string, opts ...Option) (*Client, error) {
	publicKey = strings.TrimSpace(publicKey)
	privateKey = strings.TrimSpace(privateKey)
	if publicKey == "" {
		return nil, errPublicKeyRequired
	}
	if privateKey == "" {
		return nil, errPrivateKeyRequired
	}

	client := &Client{
		publicKey:  publicKey,
		privateKey: privateKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// TransactionRequest asks CoinPayments for a new payment address.
type TransactionRequest struct {
	Amount     decimal.Decimal
	Currency   string
	Coin       string
	BuyerEmail string
}

// TransactionResult is the payment instruction returned to the buyer.
type TransactionResult struct {
	TxnID       string `json:"txn_id"`
	Address     string `json:"address"`
	Amount      string `json:"amount"`
	CheckoutURL string `json:"checkout_url"`
	StatusURL   string `json:"status_url"`
	QRCodeURL   string `json:"qrcode_url"`
	Timeout     int    `json:"timeout"`
}

// CreateTransaction opens a payment for req.Amount in fiat, payable in req.Coin.
func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "coinpayments client not configured")
	}
	if !req.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount must be greater than zero")
	}
	if strings.TrimSpace(req.Coin) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coin is required")
	}

	form := url.Values{}
	form.Set("amount", req.Amount.StringFixed(2))
	form.Set("currency1", req.Currency)
	form.Set("currency2", req.Coin)
	if req.BuyerEmail != "" {
		form.Set("buyer_email", req.BuyerEmail)
	}
	if c.ipnURL != "" {
		form.Set("ipn_url", c.ipnURL)
	}

	var result TransactionResult
	if err := c.call(ctx, cmdCreateTransaction, form, &result); err != nil {
		return nil, err
	}
	if result.TxnID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "coinpayments returned no transaction id")
	}
	return &result, nil
}

// Withdraw sends a settlement to the cold wallet. The amount is expressed in the fiat currency
// and converted by CoinPayments into the coin.
func (c *Client) Withdraw(ctx context.Context, req reconciliation.WithdrawalRequest) (reconciliation.WithdrawalReceipt, error) {
	if c == nil {
		return reconciliation.WithdrawalReceipt{}, pkgerrors.New(pkgerrors.CodeDependency, "coinpayments client not configured")
	}
	if strings.TrimSpace(req.Address) == "" {
		return reconciliation.WithdrawalReceipt{}, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal address is required")
	}

	form := url.Values{}
	form.Set("amount", req.Amount.StringFixed(2))
	form.Set("currency", req.Coin)
	form.Set("currency2", string(req.Currency))
	form.Set("address", req.Address)
	form.Set("auto_confirm", "1")
	form.Set("note", req.TxID)

	var result struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	}
	if err := c.call(ctx, cmdCreateWithdrawal, form, &result); err != nil {
		return reconciliation.WithdrawalReceipt{}, err
	}
	return reconciliation.WithdrawalReceipt{
		Reference: result.ID,
		Status:    fmt.Sprintf("%d", result.Status),
	}, nil
}

func (c *Client) call(ctx context.Context, cmd string, form url.Values, out any) error {
	form.Set("version", apiVersion)
	form.Set("cmd", cmd)
	form.Set("key", c.publicKey)
	form.Set("format", "json")
	body := form.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(body))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build coinpayments request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set(signatureHeader, Sign(c.privateKey, []byte(body)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute coinpayments "+cmd)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "coinpayments "+cmd+" failed")
	}

	var envelope struct {
		Error  string          `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseReadLimit)).Decode(&envelope); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode coinpayments response")
	}
	if envelope.Error != "ok" {
		return pkgerrors.New(pkgerrors.CodeDependency, "coinpayments "+cmd+" rejected").
			WithDetails(map[string]string{"error": envelope.Error})
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode coinpayments result")
	}
	return nil
}

// Sign returns the hex HMAC-SHA512 of body, as CoinPayments expects in the HMAC header.
func Sign(privateKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(privateKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
