package mercuryo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/rampledger/internal/reconciliation"
	"github.com/angelmondragon/rampledger/internal/transactions"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

const (
	defaultBaseURL           = "https://api.mercuryo.io/v1.6"
	responseReadLimit  int64 = 1 << 16
	errorBodyReadLimit int64 = 1024
	statusSuccess            = "success"
	idempotencyHeader        = "Idempotency-Key"
)

var errAPIKeyRequired = errors.New("mercuryo api key is required")

// Client calls the Mercuryo partner API for withdrawals and refunds.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
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

// NewClient builds the Mercuryo client given a bearer API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	client := &Client{
		apiKey:     apiKey,
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

type withdrawPayload struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Wallet    string `json:"wallet"`
	UserEmail string `json:"user_email"`
	Reference string `json:"merchant_transaction_id,omitempty"`
}

type refundPayload struct {
	TransactionID string       `json:"transaction_id"`
	Amount        string       `json:"amount"`
	Currency      string       `json:"currency"`
	Card          *cardPayload `json:"card,omitempty"`
}

type cardPayload struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
}

type apiResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	RefundID      string `json:"refund_id"`
	Message       string `json:"message"`
}

// Withdraw moves funds to the cold wallet.
func (c *Client) Withdraw(ctx context.Context, req reconciliation.WithdrawalRequest) (reconciliation.WithdrawalReceipt, error) {
	if c == nil {
		return reconciliation.WithdrawalReceipt{}, pkgerrors.New(pkgerrors.CodeDependency, "mercuryo client not configured")
	}
	if strings.TrimSpace(req.Address) == "" {
		return reconciliation.WithdrawalReceipt{}, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal address is required")
	}

	resp, err := c.post(ctx, "withdraw", "withdraw-"+req.TxID, withdrawPayload{
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Coin,
		Wallet:    req.Address,
		UserEmail: req.BuyerEmail,
		Reference: req.TxID,
	})
	if err != nil {
		return reconciliation.WithdrawalReceipt{}, err
	}
	return reconciliation.WithdrawalReceipt{Reference: resp.TransactionID, Status: resp.Status}, nil
}

// Refund returns a payment to the original method, or to req.Card when set.
func (c *Client) Refund(ctx context.Context, req transactions.RefundRequest) (transactions.RefundReceipt, error) {
	if c == nil {
		return transactions.RefundReceipt{}, pkgerrors.New(pkgerrors.CodeDependency, "mercuryo client not configured")
	}
	if strings.TrimSpace(req.PaymentMethodRef) == "" && req.Card == nil {
		return transactions.RefundReceipt{}, pkgerrors.New(pkgerrors.CodeValidation, "refund needs the original payment or a card")
	}

	payload := refundPayload{
		TransactionID: req.PaymentMethodRef,
		Amount:        req.Amount.StringFixed(2),
		Currency:      string(req.Currency),
	}
	if payload.TransactionID == "" {
		payload.TransactionID = req.TxID
	}
	if req.Card != nil {
		payload.Card = &cardPayload{
			Number: strings.ReplaceAll(req.Card.Number, " ", ""),
			Expiry: req.Card.Expiry,
		}
	}

	resp, err := c.post(ctx, "refund", "refund-"+req.TxID, payload)
	if err != nil {
		return transactions.RefundReceipt{}, err
	}
	ref := resp.RefundID
	if ref == "" {
		ref = resp.TransactionID
	}
	return transactions.RefundReceipt{Reference: ref}, nil
}

// post sends payload to path. idempotencyKey is derived from the ledger transaction id.
func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal mercuryo "+path+" request")
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.baseURL, "/"), path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build mercuryo "+path+" request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set(idempotencyHeader, idempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute mercuryo "+path+" request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "mercuryo "+path+" request failed")
	}

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseReadLimit)).Decode(&out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode mercuryo "+path+" response")
	}
	if out.Status != statusSuccess {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "mercuryo "+path+" rejected").
			WithDetails(map[string]string{"status": out.Status, "message": out.Message})
	}
	return &out, nil
}
