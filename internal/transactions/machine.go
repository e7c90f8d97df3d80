package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
	"github.com/angelmondragon/rampledger/pkg/metrics"
)

const (
	defaultMaxRetries    = 3
	defaultRefundTimeout = 10 * time.Second
)

// MachineParams wires the state machine.
type MachineParams struct {
	Store         ledger.Store
	Refunder      Refunder
	Logger        *logger.Logger
	Metrics       *metrics.ReconciliationMetrics
	MaxRetries    int
	RefundTimeout time.Duration
	Clock         func() time.Time
}

// Machine applies guarded transitions through the ledger's compare-and-swap primitives.
type Machine struct {
	store         ledger.Store
	refunder      Refunder
	logg          *logger.Logger
	metrics       *metrics.ReconciliationMetrics
	maxRetries    int
	refundTimeout time.Duration
	now           func() time.Time
}

// Result reports the record after an action and whether the action changed it.
type Result struct {
	Tx      *models.Transaction
	Applied bool
}

// NewMachine validates params and applies defaults.
func NewMachine(params MachineParams) (*Machine, error) {
	if params.Store == nil {
		return nil, errors.New("ledger store required")
	}
	m := &Machine{
		store:         params.Store,
		refunder:      params.Refunder,
		logg:          params.Logger,
		metrics:       params.Metrics,
		maxRetries:    params.MaxRetries,
		refundTimeout: params.RefundTimeout,
		now:           params.Clock,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.refundTimeout <= 0 {
		m.refundTimeout = defaultRefundTimeout
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// Approve moves a pending transaction to confirmed.
func (m *Machine) Approve(ctx context.Context, txID, actor string) (Result, error) {
	return m.Apply(ctx, txID, ActionApprove, actor, "approved by admin")
}

// Freeze sets the frozen overlay without touching status.
func (m *Machine) Freeze(ctx context.Context, txID, actor string) (Result, error) {
	return m.Apply(ctx, txID, ActionFreeze, actor, "frozen")
}

// Unfreeze clears the frozen overlay.
func (m *Machine) Unfreeze(ctx context.Context, txID, actor string) (Result, error) {
	return m.Apply(ctx, txID, ActionUnfreeze, actor, "unfrozen")
}

// Apply runs action against txID, re-reading and re-planning after each lost CAS.
func (m *Machine) Apply(ctx context.Context, txID string, action Action, actor, reason string) (Result, error) {
	if txID == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	if actor == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "actor is required")
	}
	if action == ActionRefund {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "refunds require a destination")
	}

	return m.withRetries(ctx, txID, action, func(current *models.Transaction, raced bool) (*models.Transaction, bool, error) {
		p, err := planFor(action, current, raced)
		if err != nil {
			return nil, false, err
		}
		switch p.kind {
		case planNoop:
			return current, false, nil
		case planFreeze:
			updated, err := m.store.SetFrozen(ctx, txID, ledger.FreezeChange{
				Frozen:         p.frozen,
				ExpectedStatus: current.Status,
				Entry:          m.entry(actor, reason),
			})
			return updated, err == nil, err
		default:
			updated, err := m.store.UpdateStatus(ctx, txID, ledger.Transition{
				Expected: current.Status,
				Next:     p.target,
				Entry:    m.entry(actor, reason),
			})
			return updated, err == nil, err
		}
	})
}

// Settle records a successful withdrawal, moving confirmed to withdrawn.
func (m *Machine) Settle(ctx context.Context, txID, actor, reference string) (Result, error) {
	return m.withRetries(ctx, txID, ActionSettle, func(current *models.Transaction, raced bool) (*models.Transaction, bool, error) {
		p, err := planFor(ActionSettle, current, raced)
		if err != nil {
			return nil, false, err
		}
		if p.kind == planNoop {
			return current, false, nil
		}
		updated, err := m.store.UpdateStatus(ctx, txID, ledger.Transition{
			Expected:      current.Status,
			Next:          p.target,
			Entry:         m.entry(actor, "settled to cold wallet"),
			Settlement:    enums.SettlementStateSettled,
			SettlementRef: reference,
		})
		return updated, err == nil, err
	})
}

// DeferSettlement appends a "settlement deferred" entry and marks the record for the retry sweep.
// Status is unchanged.
func (m *Machine) DeferSettlement(ctx context.Context, txID, actor, detail string) (Result, error) {
	reason := "settlement deferred"
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", reason, detail)
	}
	return m.withRetries(ctx, txID, "defer_settlement", func(current *models.Transaction, _ bool) (*models.Transaction, bool, error) {
		if current.Status != enums.TransactionStatusConfirmed {
			return current, false, nil
		}
		updated, err := m.store.UpdateStatus(ctx, txID, ledger.Transition{
			Expected:   current.Status,
			Next:       current.Status,
			Entry:      m.entry(actor, reason),
			Settlement: enums.SettlementStateDeferred,
		})
		return updated, err == nil, err
	})
}

// RecordSubmittedSettlement notes a withdrawal the provider accepted but the ledger could not
// apply. The reference is kept so the retry sweep finishes the move to withdrawn without a second
// withdrawal, and refunds are refused from then on. Status and the frozen flag are unchanged.
func (m *Machine) RecordSubmittedSettlement(ctx context.Context, txID, actor, reference, detail string) (Result, error) {
	if reference == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal reference is required")
	}
	reason := fmt.Sprintf("withdrawal submitted (ref %s) but not recorded", reference)
	if detail != "" {
		reason = fmt.Sprintf("%s: %s", reason, detail)
	}
	return m.withRetries(ctx, txID, "record_submitted", func(current *models.Transaction, _ bool) (*models.Transaction, bool, error) {
		if current.Settlement == enums.SettlementStateSettled ||
			(current.Settlement == enums.SettlementStateSubmitted && current.SettlementRef == reference) {
			return current, false, nil
		}
		updated, err := m.store.UpdateStatus(ctx, txID, ledger.Transition{
			Expected:      current.Status,
			Next:          current.Status,
			Entry:         m.entry(actor, reason),
			Settlement:    enums.SettlementStateSubmitted,
			SettlementRef: reference,
		})
		return updated, err == nil, err
	})
}

type attemptFunc func(current *models.Transaction, raced bool) (*models.Transaction, bool, error)

func (m *Machine) withRetries(ctx context.Context, txID string, action Action, attempt attemptFunc) (Result, error) {
	ctx = m.logCtx(ctx, txID, action)
	raced := false
	for try := 0; try <= m.maxRetries; try++ {
		current, err := m.store.FindByExternalID(ctx, txID)
		if err != nil {
			return Result{}, err
		}
		if current == nil {
			m.count(action, "not_found")
			return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found").
				WithDetails(map[string]string{"txId": txID})
		}

		updated, applied, err := attempt(current, raced)
		if err == nil {
			m.count(action, outcome(applied))
			return Result{Tx: updated, Applied: applied}, nil
		}
		if !ledger.IsConflict(err) {
			m.count(action, "rejected")
			return Result{}, err
		}
		raced = true
		if m.logg != nil {
			m.logg.Warn(m.logg.WithField(ctx, "attempt", try+1), "transaction changed concurrently; re-reading")
		}
	}

	m.count(action, "conflict")
	return Result{}, pkgerrors.New(pkgerrors.CodeConflict, "transaction kept changing; retry the request").
		WithDetails(map[string]any{"txId": txID, "attempts": m.maxRetries + 1})
}

func (m *Machine) entry(actor, reason string) models.TransactionHistory {
	return models.TransactionHistory{
		UpdatedAt: m.now(),
		UpdatedBy: actor,
		Reason:    reason,
	}
}

func (m *Machine) logCtx(ctx context.Context, txID string, action Action) context.Context {
	if m.logg == nil {
		return ctx
	}
	ctx = m.logg.WithTxID(ctx, txID)
	return m.logg.WithField(ctx, "action", string(action))
}

func (m *Machine) count(action Action, result string) {
	m.metrics.IncTransition(string(action), result)
}

func outcome(applied bool) string {
	if applied {
		return "applied"
	}
	return "noop"
}
