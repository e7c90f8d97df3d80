package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/internal/reconciliation"
	"github.com/angelmondragon/rampledger/internal/transactions"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/logger"
	"github.com/angelmondragon/rampledger/pkg/pagination"
)

type transitioner interface {
	Approve(ctx context.Context, txID, actor string) (transactions.Result, error)
	Freeze(ctx context.Context, txID, actor string) (transactions.Result, error)
	Unfreeze(ctx context.Context, txID, actor string) (transactions.Result, error)
	Refund(ctx context.Context, txID, actor string, dest transactions.Destination) (transactions.Result, error)
	DeferSettlement(ctx context.Context, txID, actor, detail string) (transactions.Result, error)
}

// Settler withdraws a confirmed transaction to the cold wallet.
type Settler interface {
	RetrySettlement(ctx context.Context, txID string) (reconciliation.Result, error)
}

// Service exposes operator actions on ledger transactions.
type Service interface {
	Get(ctx context.Context, txID string) (*models.Transaction, error)
	List(ctx context.Context, filter ledger.Filter, params pagination.Params) (*pagination.Page[models.Transaction], error)
	Approve(ctx context.Context, txID, actor string) (*ActionResult, error)
	Freeze(ctx context.Context, txID, actor string) (*ActionResult, error)
	Unfreeze(ctx context.Context, txID, actor string) (*ActionResult, error)
	Refund(ctx context.Context, txID, actor string, dest transactions.Destination) (*ActionResult, error)
	ToggleFlag(ctx context.Context, txID, actor string) (*models.Transaction, error)
}

// ActionResult is returned for every state-changing request. Applied is false for idempotent repeats.
type ActionResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Applied     bool                `json:"applied"`
}

// ServiceParams wires the admin service. Without a Settler, approved transactions wait for
// settlement to be triggered elsewhere.
type ServiceParams struct {
	Store   ledger.Store
	Machine transitioner
	Settler Settler
	Logger  *logger.Logger
}

type service struct {
	store   ledger.Store
	machine transitioner
	settler Settler
	logg    *logger.Logger
}

// NewService builds the admin service.
func NewService(params ServiceParams) (Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Machine == nil {
		return nil, fmt.Errorf("transaction machine required")
	}
	return &service{store: params.Store, machine: params.Machine, settler: params.Settler, logg: params.Logger}, nil
}

func (s *service) Get(ctx context.Context, txID string) (*models.Transaction, error) {
	txID, err := requireID(txID)
	if err != nil {
		return nil, err
	}
	tx, err := s.store.FindByExternalID(ctx, txID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load transaction")
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found").
			WithDetails(map[string]string{"txId": txID})
	}
	return tx, nil
}

func (s *service) List(ctx context.Context, filter ledger.Filter, params pagination.Params) (*pagination.Page[models.Transaction], error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	if filter.Provider != nil && !filter.Provider.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid provider filter")
	}
	params = params.Normalize()
	items, total, err := s.store.List(ctx, filter, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}
	if items == nil {
		items = []models.Transaction{}
	}
	return &pagination.Page[models.Transaction]{
		Items: items,
		Page:  params.Page,
		Limit: params.Limit,
		Total: total,
	}, nil
}

// Approve confirms a pending transaction and then settles it like a provider confirmation would.
func (s *service) Approve(ctx context.Context, txID, actor string) (*ActionResult, error) {
	out, err := s.run(ctx, txID, actor, "approve", func(id string) (transactions.Result, error) {
		return s.machine.Approve(ctx, id, actor)
	})
	if err != nil || !out.Applied || s.settler == nil {
		return out, err
	}
	if settled := s.settleApproved(context.WithoutCancel(ctx), out.Transaction.TxID); settled != nil {
		out.Transaction = settled
	}
	return out, nil
}

// settleApproved runs settlement for a freshly approved record. When settlement cannot start the
// record is marked deferred so the retry sweep picks it up.
func (s *service) settleApproved(ctx context.Context, txID string) *models.Transaction {
	settled, err := s.settler.RetrySettlement(ctx, txID)
	if err == nil {
		return settled.Tx
	}
	if s.logg != nil {
		s.logg.Error(s.logg.WithTxID(ctx, txID), "settlement after approval failed", err)
	}
	deferred, derr := s.machine.DeferSettlement(ctx, txID, reconciliation.SettlementActor, "not started after approval")
	if derr != nil {
		if s.logg != nil {
			s.logg.Error(s.logg.WithTxID(ctx, txID), "failed to defer settlement after approval", derr)
		}
		return nil
	}
	return deferred.Tx
}

func (s *service) Freeze(ctx context.Context, txID, actor string) (*ActionResult, error) {
	return s.run(ctx, txID, actor, "freeze", func(id string) (transactions.Result, error) {
		return s.machine.Freeze(ctx, id, actor)
	})
}

func (s *service) Unfreeze(ctx context.Context, txID, actor string) (*ActionResult, error) {
	return s.run(ctx, txID, actor, "unfreeze", func(id string) (transactions.Result, error) {
		return s.machine.Unfreeze(ctx, id, actor)
	})
}

func (s *service) Refund(ctx context.Context, txID, actor string, dest transactions.Destination) (*ActionResult, error) {
	return s.run(ctx, txID, actor, "refund", func(id string) (transactions.Result, error) {
		return s.machine.Refund(ctx, id, actor, dest)
	})
}

// ToggleFlag flips the advisory review flag. It writes no history entry.
func (s *service) ToggleFlag(ctx context.Context, txID, actor string) (*models.Transaction, error) {
	txID, err := requireID(txID)
	if err != nil {
		return nil, err
	}
	tx, err := s.store.ToggleFlag(ctx, txID)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithActor(s.logg.WithTxID(ctx, txID), actor)
		s.logg.Info(s.logg.WithField(logCtx, "is_flagged", tx.IsFlagged), "review flag toggled")
	}
	return tx, nil
}

func (s *service) run(ctx context.Context, txID, actor, action string, call func(string) (transactions.Result, error)) (*ActionResult, error) {
	txID, err := requireID(txID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(actor) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "operator identity required")
	}

	res, err := call(txID)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		logCtx := s.logg.WithActor(s.logg.WithTxID(ctx, txID), actor)
		logCtx = s.logg.WithFields(logCtx, map[string]any{"action": action, "applied": res.Applied})
		s.logg.Info(logCtx, "admin action handled")
	}
	return &ActionResult{Transaction: res.Tx, Applied: res.Applied}, nil
}

func requireID(txID string) (string, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	return txID, nil
}
