package transactions

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

// Card is an alternate refund destination. The number is never logged or stored.
type Card struct {
	Number string `json:"cardNumber" validate:"required,credit_card"`
	Expiry string `json:"expiryDate" validate:"required,card_expiry"`
}

// Last4 returns the trailing digits used in audit entries.
func (c Card) Last4() string {
	digits := strings.ReplaceAll(c.Number, " ", "")
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

// Destination selects where a refund goes. A nil AlternateCard means the original payment method.
type Destination struct {
	AlternateCard *Card
}

// RefundRequest is what a provider needs to return funds.
type RefundRequest struct {
	TxID             string
	Provider         enums.Provider
	Amount           decimal.Decimal
	Currency         enums.Currency
	PaymentMethodRef string
	Card             *Card
}

// RefundReceipt is the provider's acknowledgement.
type RefundReceipt struct {
	Reference string
}

// Refunder issues refunds with an external provider.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

// Refunders dispatches to the refunder registered for the transaction's provider.
type Refunders map[enums.Provider]Refunder

func (r Refunders) Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error) {
	refunder, ok := r[req.Provider]
	if !ok || refunder == nil {
		return RefundReceipt{}, pkgerrors.New(pkgerrors.CodeValidation, "refunds are not supported for this provider").
			WithDetails(map[string]string{"provider": string(req.Provider)})
	}
	return refunder.Refund(ctx, req)
}

// Refund claims the record, calls the provider with no ledger lock held, and then commits
// pending|confirmed to refunded. Only the request that wins the claim reaches the provider, and
// the claim blocks freezes and other transitions until it is committed or released.
func (m *Machine) Refund(ctx context.Context, txID, actor string, dest Destination) (Result, error) {
	if txID == "" || actor == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "transaction id and actor are required")
	}
	if m.refunder == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeDependency, "refund provider not configured")
	}

	claimed, err := m.withRetries(ctx, txID, actionRefundClaim, func(current *models.Transaction, raced bool) (*models.Transaction, bool, error) {
		p, err := planFor(ActionRefund, current, raced)
		if err != nil {
			return nil, false, err
		}
		if p.kind == planNoop {
			return current, false, nil
		}
		if dest.AlternateCard == nil && current.PaymentMethodRef == "" {
			return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "original payment method is unknown; provide an alternate card")
		}
		updated, err := m.store.ClaimRefund(ctx, txID, current.Status)
		return updated, err == nil, err
	})
	if err != nil || !claimed.Applied {
		return claimed, err
	}
	ctx = m.logCtx(ctx, txID, ActionRefund)
	current := claimed.Tx

	req := RefundRequest{
		TxID:     current.TxID,
		Provider: current.Provider,
		Amount:   current.Amount,
		Currency: current.Currency,
		Card:     dest.AlternateCard,
	}
	if dest.AlternateCard == nil {
		req.PaymentMethodRef = current.PaymentMethodRef
	}

	callCtx, cancel := context.WithTimeout(ctx, m.refundTimeout)
	receipt, err := m.refunder.Refund(callCtx, req)
	cancel()
	if err != nil {
		m.count(ActionRefund, "provider_failed")
		if m.logg != nil {
			m.logg.Error(ctx, "refund provider call failed", err)
		}
		m.releaseRefund(ctx, txID)
		if pkgerrors.As(err) != nil {
			return Result{}, err
		}
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "refund provider failed")
	}

	reason := "refunded to original payment method"
	if dest.AlternateCard != nil {
		reason = fmt.Sprintf("refunded to alternate card ending %s", dest.AlternateCard.Last4())
	}
	if receipt.Reference != "" {
		reason = fmt.Sprintf("%s (ref %s)", reason, receipt.Reference)
	}

	return m.commitRefund(context.WithoutCancel(ctx), txID, current, actor, reason)
}

func (m *Machine) releaseRefund(ctx context.Context, txID string) {
	if _, err := m.store.ReleaseRefund(context.WithoutCancel(ctx), txID); err != nil && m.logg != nil {
		m.logg.Error(ctx, "failed to release refund claim", err)
	}
}

// commitRefund applies the claimed refund. Nothing else can change status while the claim is
// open, so a lost CAS only needs a re-read.
func (m *Machine) commitRefund(ctx context.Context, txID string, current *models.Transaction, actor, reason string) (Result, error) {
	for try := 0; try <= m.maxRetries; try++ {
		updated, err := m.store.UpdateStatus(ctx, txID, ledger.Transition{
			Expected: current.Status,
			Next:     enums.TransactionStatusRefunded,
			Entry:    m.entry(actor, reason),
			Refund:   enums.RefundStateRefunded,
		})
		if err == nil {
			m.count(ActionRefund, "applied")
			return Result{Tx: updated, Applied: true}, nil
		}
		if !ledger.IsConflict(err) {
			return Result{}, err
		}

		current, err = m.store.FindByExternalID(ctx, txID)
		if err != nil {
			return Result{}, err
		}
		if current == nil {
			return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		if current.Status == enums.TransactionStatusRefunded {
			m.count(ActionRefund, "noop")
			return Result{Tx: current, Applied: false}, nil
		}
		if current.RefundState != enums.RefundStateRequested {
			break
		}
	}

	m.count(ActionRefund, "conflict")
	err := pkgerrors.New(pkgerrors.CodeConflict, "refund issued but transaction did not commit").
		WithDetails(map[string]string{"txId": txID})
	if m.logg != nil {
		m.logg.Error(ctx, "refund issued by provider but ledger transition did not commit", err)
	}
	return Result{}, err
}
