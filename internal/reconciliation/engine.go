package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/rampledger/internal/fees"
	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/internal/notifications"
	"github.com/angelmondragon/rampledger/internal/transactions"
	"github.com/angelmondragon/rampledger/internal/webhooks"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
	"github.com/angelmondragon/rampledger/pkg/metrics"
)

const (
	defaultSettlementTimeout = 10 * time.Second
	defaultNotifyTimeout     = 10 * time.Second

	// SettlementActor is recorded on history entries written by the settlement path.
	SettlementActor = "system:settlement"

	unreportedReference = "unreported"
)

// Outcome describes what a delivery did to the ledger.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeFlagged      Outcome = "flagged"
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
)

// EngineParams wires the reconciliation engine.
type EngineParams struct {
	Store             ledger.Store
	Machine           *transactions.Machine
	Fees              fees.Calculator // zero value charges the standard commission
	Withdrawer        Withdrawer
	Notifier          notifications.Notifier
	ColdWallet        string
	MerchantEmail     string
	SettlementTimeout time.Duration
	NotifyTimeout     time.Duration
	Logger            *logger.Logger
	Metrics           *metrics.ReconciliationMetrics
	Clock             func() time.Time
}

// Engine applies verified provider events to the ledger exactly once per external id.
type Engine struct {
	store             ledger.Store
	machine           *transactions.Machine
	fees              fees.Calculator
	withdrawer        Withdrawer
	notifier          notifications.Notifier
	coldWallet        string
	merchantEmail     string
	settlementTimeout time.Duration
	notifyTimeout     time.Duration
	logg              *logger.Logger
	metrics           *metrics.ReconciliationMetrics
	now               func() time.Time
}

// Result is returned for every event that reached the ledger. Recorded is true once the
// event's effect (or an earlier delivery of it) is durable.
type Result struct {
	Tx         *models.Transaction
	Outcome    Outcome
	Recorded   bool
	Settlement enums.SettlementState
}

// NewEngine validates params and applies defaults.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Store == nil {
		return nil, errors.New("ledger store required")
	}
	if params.Machine == nil {
		return nil, errors.New("transaction machine required")
	}
	if strings.TrimSpace(params.ColdWallet) == "" {
		return nil, errors.New("cold wallet address required")
	}
	e := &Engine{
		store:             params.Store,
		machine:           params.Machine,
		fees:              params.Fees,
		withdrawer:        params.Withdrawer,
		notifier:          params.Notifier,
		coldWallet:        params.ColdWallet,
		merchantEmail:     params.MerchantEmail,
		settlementTimeout: params.SettlementTimeout,
		notifyTimeout:     params.NotifyTimeout,
		logg:              params.Logger,
		metrics:           params.Metrics,
		now:               params.Clock,
	}
	if e.settlementTimeout <= 0 {
		e.settlementTimeout = defaultSettlementTimeout
	}
	if e.notifyTimeout <= 0 {
		e.notifyTimeout = defaultNotifyTimeout
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Apply records event. Caller cancellation is ignored once Apply starts: a verified event is
// always written through. An unknown provider status is stored as pending and flagged, and the
// returned MalformedEvent error carries a Result with Recorded set.
func (e *Engine) Apply(ctx context.Context, event webhooks.PaymentEvent) (Result, error) {
	started := time.Now()
	ctx = context.WithoutCancel(ctx)
	ctx = e.logCtx(ctx, event)

	res, err := e.apply(ctx, event)
	outcome := string(res.Outcome)
	if err != nil && !res.Recorded {
		outcome = "rejected"
	}
	e.metrics.ObserveWebhook(string(event.Provider), outcome, time.Since(started))
	return res, err
}

func (e *Engine) apply(ctx context.Context, event webhooks.PaymentEvent) (Result, error) {
	if strings.TrimSpace(event.ExternalID) == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeMalformedEvent, "event is missing its external id")
	}
	if !event.Provider.IsValid() {
		return Result{}, pkgerrors.New(pkgerrors.CodeMalformedEvent, "event has an unknown provider").
			WithDetails(map[string]string{"provider": string(event.Provider)})
	}

	split, err := e.fees.ComputeSplit(event.FiatAmount)
	if err != nil {
		return Result{}, err
	}

	status, known := initialStatus(event.ProviderStatus)
	record := e.newRecord(event, split, status, known)

	stored, created, err := e.store.CreateIfAbsent(ctx, record)
	if err != nil {
		return Result{}, err
	}

	if !created {
		return e.followUp(ctx, stored, event)
	}

	res := Result{Tx: stored, Outcome: OutcomeCreated, Recorded: true, Settlement: stored.Settlement}
	if !known {
		res.Outcome = OutcomeFlagged
		e.logWarn(ctx, "unknown provider status; stored as pending for manual review")
		return res, pkgerrors.New(pkgerrors.CodeMalformedEvent, "unrecognized provider status").
			WithDetails(map[string]string{"status": event.RawStatus, "txId": event.ExternalID})
	}

	if stored.Status == enums.TransactionStatusConfirmed {
		res.Tx, res.Settlement = e.settle(ctx, stored)
	}
	e.notify(ctx, res.Tx)
	return res, nil
}

// followUp handles a delivery for a record that already exists. Only a pending record can move;
// everything else is a repeat of something already recorded.
func (e *Engine) followUp(ctx context.Context, stored *models.Transaction, event webhooks.PaymentEvent) (Result, error) {
	res := Result{Tx: stored, Outcome: OutcomeDuplicate, Recorded: true, Settlement: stored.Settlement}

	action, ok := followUpAction(stored.Status, event.ProviderStatus)
	if !ok {
		e.logInfo(ctx, "duplicate delivery ignored")
		return res, nil
	}

	reason := fmt.Sprintf("%s reported %s", event.Provider, event.ProviderStatus)
	applied, err := e.machine.Apply(ctx, stored.TxID, action, string(event.Provider), reason)
	if err != nil {
		if transactions.IsIllegalTransition(err) {
			res.Outcome = OutcomeIgnored
			e.logWarn(ctx, "provider update rejected by current state; left for review")
			return res, nil
		}
		return Result{}, err
	}
	if !applied.Applied {
		res.Tx = applied.Tx
		return res, nil
	}

	res.Tx = applied.Tx
	res.Outcome = OutcomeTransitioned
	res.Settlement = applied.Tx.Settlement
	if applied.Tx.Status == enums.TransactionStatusConfirmed {
		res.Tx, res.Settlement = e.settle(ctx, applied.Tx)
	}
	e.notify(ctx, res.Tx)
	return res, nil
}

// RetrySettlement settles a confirmed transaction: a recorded withdrawal is applied to the ledger,
// otherwise the withdrawal is submitted again.
func (e *Engine) RetrySettlement(ctx context.Context, txID string) (Result, error) {
	if e.logg != nil {
		ctx = e.logg.WithTxID(ctx, txID)
	}
	tx, err := e.store.FindByExternalID(ctx, txID)
	if err != nil {
		return Result{}, err
	}
	if tx == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found").
			WithDetails(map[string]string{"txId": txID})
	}

	res := Result{Tx: tx, Outcome: OutcomeDuplicate, Recorded: true, Settlement: tx.Settlement}
	if tx.Status == enums.TransactionStatusWithdrawn {
		return res, nil
	}
	if tx.Status != enums.TransactionStatusConfirmed {
		return Result{}, pkgerrors.New(pkgerrors.CodeStateConflict, "settlement requires confirmed status").
			WithDetails(map[string]string{"txId": txID, "status": string(tx.Status)})
	}
	if tx.IsFrozen {
		return Result{}, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction is frozen").
			WithDetails(map[string]string{"txId": txID})
	}
	if tx.RefundState == enums.RefundStateRequested {
		return Result{}, pkgerrors.New(pkgerrors.CodeStateConflict, "refund in progress").
			WithDetails(map[string]string{"txId": txID})
	}

	res.Tx, res.Settlement = e.settle(ctx, tx)
	res.Outcome = OutcomeTransitioned
	return res, nil
}

// settle runs after the ledger write has committed. Failures leave the record confirmed and
// append a deferral entry for the retry sweep. A withdrawal already recorded as submitted is
// applied to the ledger without calling the provider again.
func (e *Engine) settle(ctx context.Context, tx *models.Transaction) (*models.Transaction, enums.SettlementState) {
	if tx.RefundState == enums.RefundStateRequested {
		e.logWarn(ctx, "refund in progress; settlement skipped")
		return tx, tx.Settlement
	}
	if tx.Settlement == enums.SettlementStateSubmitted && tx.SettlementRef != "" {
		return e.recordWithdrawal(ctx, tx, tx.SettlementRef)
	}
	if e.withdrawer == nil {
		e.metrics.IncSettlement("deferred")
		return e.deferSettlement(ctx, tx, "no withdrawal client configured")
	}

	wctx, cancel := context.WithTimeout(ctx, e.settlementTimeout)
	receipt, err := e.withdrawer.Withdraw(wctx, WithdrawalRequest{
		TxID:       tx.TxID,
		Provider:   tx.Provider,
		Amount:     tx.Amount,
		Coin:       tx.Coin,
		Currency:   tx.Currency,
		Address:    e.coldWallet,
		BuyerEmail: tx.BuyerEmail,
	})
	cancel()
	if err != nil {
		e.metrics.IncSettlement("deferred")
		e.logError(ctx, "withdrawal to cold wallet failed", err)
		return e.deferSettlement(ctx, tx, settlementDetail(err))
	}

	reference := receipt.Reference
	if reference == "" {
		reference = unreportedReference
	}
	return e.recordWithdrawal(ctx, tx, reference)
}

// recordWithdrawal moves tx to withdrawn. When the ledger refuses, the submitted withdrawal is
// written to history instead so the sweep can finish it and refunds stay blocked.
func (e *Engine) recordWithdrawal(ctx context.Context, tx *models.Transaction, reference string) (*models.Transaction, enums.SettlementState) {
	settled, err := e.machine.Settle(ctx, tx.TxID, SettlementActor, reference)
	if err == nil {
		e.metrics.IncSettlement("settled")
		return settled.Tx, settled.Tx.Settlement
	}

	e.metrics.IncSettlement("unrecorded")
	ctx = e.withField(ctx, "settlement_ref", reference)
	e.logError(ctx, "withdrawal submitted but ledger not updated", err)
	if tx.Settlement == enums.SettlementStateSubmitted && tx.SettlementRef == reference {
		return tx, tx.Settlement
	}
	recorded, rerr := e.machine.RecordSubmittedSettlement(ctx, tx.TxID, SettlementActor, reference, settlementDetail(err))
	if rerr != nil {
		e.logError(ctx, "failed to record submitted withdrawal", rerr)
		return tx, tx.Settlement
	}
	return recorded.Tx, recorded.Tx.Settlement
}

func (e *Engine) deferSettlement(ctx context.Context, tx *models.Transaction, detail string) (*models.Transaction, enums.SettlementState) {
	deferred, err := e.machine.DeferSettlement(ctx, tx.TxID, SettlementActor, detail)
	if err != nil {
		e.logError(ctx, "failed to record settlement deferral", err)
		return tx, tx.Settlement
	}
	return deferred.Tx, deferred.Tx.Settlement
}

func (e *Engine) notify(ctx context.Context, tx *models.Transaction) {
	if e.notifier == nil || e.merchantEmail == "" || tx == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, merchantMessage(e.merchantEmail, tx)); err != nil {
		e.logError(ctx, "merchant notification failed", err)
	}
}

func (e *Engine) newRecord(event webhooks.PaymentEvent, split fees.Split, status enums.TransactionStatus, known bool) *models.Transaction {
	now := e.now()
	reason := fmt.Sprintf("%s reported %s", event.Provider, event.ProviderStatus)
	if !known {
		reason = fmt.Sprintf("unrecognized %s status %q; held for review", event.Provider, event.RawStatus)
	}

	record := &models.Transaction{
		TxID:             event.ExternalID,
		Provider:         event.Provider,
		Coin:             event.Coin,
		Currency:         event.Currency,
		Amount:           split.Total,
		MerchantReceived: split.MerchantReceived,
		AdminFee:         split.AdminFee,
		Address:          event.WalletAddress,
		BuyerEmail:       event.BuyerEmail,
		Status:           status,
		IsFlagged:        !known,
		PaymentMethodRef: event.PaymentMethodRef,
		Settlement:       enums.SettlementStateNone,
		History: []models.TransactionHistory{{
			Status:    status,
			UpdatedAt: now,
			UpdatedBy: string(event.Provider),
			Reason:    reason,
		}},
	}
	if record.BuyerEmail == "" {
		record.BuyerEmail = webhooks.UnknownBuyer
	}
	if len(event.Raw) > 0 {
		record.RawEvent = datatypes.JSON(event.Raw)
	}
	if !known {
		flag := enums.FraudFlagHighRisk
		record.FraudFlag = &flag
	}
	return record
}

func initialStatus(status webhooks.ProviderStatus) (enums.TransactionStatus, bool) {
	switch status {
	case webhooks.StatusCompleted:
		return enums.TransactionStatusConfirmed, true
	case webhooks.StatusFailed:
		return enums.TransactionStatusFailed, true
	case webhooks.StatusPending:
		return enums.TransactionStatusPending, true
	}
	return enums.TransactionStatusPending, false
}

func followUpAction(current enums.TransactionStatus, reported webhooks.ProviderStatus) (transactions.Action, bool) {
	if current != enums.TransactionStatusPending {
		return "", false
	}
	switch reported {
	case webhooks.StatusCompleted:
		return transactions.ActionConfirm, true
	case webhooks.StatusFailed:
		return transactions.ActionFail, true
	}
	return "", false
}

func merchantMessage(recipient string, tx *models.Transaction) notifications.Message {
	subject := "Payment Completed"
	switch tx.Status {
	case enums.TransactionStatusFailed:
		subject = "Payment Failed"
	case enums.TransactionStatusPending:
		subject = "Payment Pending"
	}
	body := fmt.Sprintf(
		"Transaction: %s\nProvider: %s\nTotal Paid: %s %s\nMerchant Received: %s %s\nAdmin Fee: %s %s\nCoin: %s\nBuyer: %s\nStatus: %s",
		tx.TxID, tx.Provider,
		tx.Amount.StringFixed(fees.Places), tx.Currency,
		tx.MerchantReceived.StringFixed(fees.Places), tx.Currency,
		tx.AdminFee.StringFixed(fees.Places), tx.Currency,
		tx.Coin, tx.BuyerEmail, tx.Status,
	)
	return notifications.Message{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		TxID:      tx.TxID,
		Fields: map[string]string{
			"status":   string(tx.Status),
			"provider": string(tx.Provider),
		},
	}
}

func settlementDetail(err error) string {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Message()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "withdrawal timed out"
	}
	return "withdrawal failed"
}

func (e *Engine) logCtx(ctx context.Context, event webhooks.PaymentEvent) context.Context {
	if e.logg == nil {
		return ctx
	}
	ctx = e.logg.WithTxID(ctx, event.ExternalID)
	return e.logg.WithProvider(ctx, string(event.Provider))
}

func (e *Engine) withField(ctx context.Context, key string, value any) context.Context {
	if e.logg == nil {
		return ctx
	}
	return e.logg.WithField(ctx, key, value)
}

func (e *Engine) logInfo(ctx context.Context, msg string) {
	if e.logg != nil {
		e.logg.Info(ctx, msg)
	}
}

func (e *Engine) logWarn(ctx context.Context, msg string) {
	if e.logg != nil {
		e.logg.Warn(ctx, msg)
	}
}

func (e *Engine) logError(ctx context.Context, msg string, err error) {
	if e.logg != nil {
		e.logg.Error(ctx, msg, err)
	}
}
