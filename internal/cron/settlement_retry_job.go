package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/rampledger/internal/reconciliation"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

// SettlementRetryJobName labels the sweep in logs and metrics.
const SettlementRetryJobName = "settlement-retry"

const defaultSettlementBatch = 50

type deferredLister interface {
	ListSettlementDeferred(ctx context.Context, limit int) ([]models.Transaction, error)
}

type settlementRetrier interface {
	RetrySettlement(ctx context.Context, txID string) (reconciliation.Result, error)
}

// SettlementRetryJobParams wires the settlement sweep.
type SettlementRetryJobParams struct {
	Logger    *logger.Logger
	Store     deferredLister
	Engine    settlementRetrier
	BatchSize int
}

type settlementRetryJob struct {
	logg   *logger.Logger
	store  deferredLister
	engine settlementRetrier
	batch  int
}

// NewSettlementRetryJob re-triggers settlement for confirmed transactions whose withdrawal was
// deferred or submitted without reaching the ledger.
func NewSettlementRetryJob(params SettlementRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconciliation engine required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSettlementBatch
	}
	return &settlementRetryJob{
		logg:   params.Logger,
		store:  params.Store,
		engine: params.Engine,
		batch:  batch,
	}, nil
}

func (j *settlementRetryJob) Name() string { return SettlementRetryJobName }

// Run retries each deferred transaction once. A withdrawal that fails again is recorded as
// another deferral by the engine and does not fail the job; only errors the engine could not
// record are returned.
func (j *settlementRetryJob) Run(ctx context.Context) error {
	pending, err := j.store.ListSettlementDeferred(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list deferred settlements: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var errs error
	settled := 0
	for _, tx := range pending {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		res, err := j.engine.RetrySettlement(ctx, tx.TxID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("retry %s: %w", tx.TxID, err))
			continue
		}
		if res.Settlement == enums.SettlementStateSettled {
			settled++
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(pending),
		"settled":    settled,
		"errors":     len(multierr.Errors(errs)),
	}), "settlement sweep finished")
	return errs
}
