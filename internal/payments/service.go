package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/internal/fees"
	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/internal/providers/coinpayments"
	"github.com/angelmondragon/rampledger/internal/webhooks"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

// SupportedCoins lists the coins a checkout can be paid in.
var SupportedCoins = []string{"LTCT", "USDT.TRC20"}

type checkoutClient interface {
	CreateTransaction(ctx context.Context, req coinpayments.TransactionRequest) (*coinpayments.TransactionResult, error)
}

// CheckoutInput is the merchant's request for a new CoinPayments payment.
type CheckoutInput struct {
	Amount     decimal.Decimal
	Coin       string
	BuyerEmail string
}

// Checkout is what the buyer needs to pay.
type Checkout struct {
	TxID        string          `json:"txId"`
	Address     string          `json:"address"`
	Amount      string          `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	AdminFee    decimal.Decimal `json:"adminFee"`
	CheckoutURL string          `json:"checkoutUrl"`
	QRCodeURL   string          `json:"qrcodeUrl"`
}

// Service opens provider payments and records them as pending.
type Service interface {
	CreateCoinPayments(ctx context.Context, actor string, input CheckoutInput) (*Checkout, error)
}

// ServiceParams wires the payments service.
type ServiceParams struct {
	Store  ledger.Store
	Client checkoutClient
	Fees   fees.Calculator
	Logger *logger.Logger
	Clock  func() time.Time
}

type service struct {
	store  ledger.Store
	client checkoutClient
	fees   fees.Calculator
	logg   *logger.Logger
	now    func() time.Time
}

// NewService builds the payments service.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Client == nil {
		return nil, fmt.Errorf("coinpayments client required")
	}
	now := params.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		store:  params.Store,
		client: params.Client,
		fees:   params.Fees,
		logg:   params.Logger,
		now:    now,
	}, nil
}

func (s *service) CreateCoinPayments(ctx context.Context, actor string, input CheckoutInput) (*Checkout, error) {
	split, err := s.fees.ComputeSplit(input.Amount)
	if err != nil {
		return nil, err
	}
	coin := strings.TrimSpace(input.Coin)
	if !supportedCoin(coin) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported coin").
			WithDetails(map[string]any{"coin": coin, "supported": SupportedCoins})
	}
	buyer := strings.TrimSpace(input.BuyerEmail)
	if buyer == "" {
		buyer = webhooks.UnknownBuyer
	}

	res, err := s.client.CreateTransaction(ctx, coinpayments.TransactionRequest{
		Amount:     split.MerchantReceived,
		Currency:   string(enums.CurrencyUSD),
		Coin:       coin,
		BuyerEmail: strings.TrimSpace(input.BuyerEmail),
	})
	if err != nil {
		return nil, err
	}

	_, created, err := s.store.CreateIfAbsent(ctx, &models.Transaction{
		TxID:             res.TxnID,
		Provider:         enums.ProviderCoinPayments,
		Coin:             coin,
		Currency:         enums.CurrencyUSD,
		Amount:           split.Total,
		MerchantReceived: split.MerchantReceived,
		AdminFee:         split.AdminFee,
		Address:          res.Address,
		BuyerEmail:       buyer,
		Status:           enums.TransactionStatusPending,
		Settlement:       enums.SettlementStateNone,
		History: []models.TransactionHistory{{
			Status:    enums.TransactionStatusPending,
			UpdatedAt: s.now(),
			UpdatedBy: actor,
			Reason:    "coinpayments checkout created",
		}},
	})
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithActor(s.logg.WithTxID(ctx, res.TxnID), actor)
		if !created {
			s.logg.Warn(logCtx, "coinpayments returned an existing transaction id")
		} else {
			s.logg.Info(logCtx, "coinpayments checkout recorded")
		}
	}

	return &Checkout{
		TxID:        res.TxnID,
		Address:     res.Address,
		Amount:      res.Amount,
		Total:       split.Total,
		AdminFee:    split.AdminFee,
		CheckoutURL: res.CheckoutURL,
		QRCodeURL:   res.QRCodeURL,
	}, nil
}

func supportedCoin(coin string) bool {
	for _, candidate := range SupportedCoins {
		if candidate == coin {
			return true
		}
	}
	return false
}
