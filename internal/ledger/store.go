package ledger

import (
	"context"

	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
	"github.com/angelmondragon/rampledger/pkg/pagination"
)

// Store is the durable ledger. Every mutation is an atomic primitive; callers never
// read-modify-write outside of UpdateStatus and SetFrozen.
type Store interface {
	// FindByExternalID returns nil, nil when no transaction exists.
	FindByExternalID(ctx context.Context, txID string) (*models.Transaction, error)
	// CreateIfAbsent inserts the full record and its history in one write. When a record
	// with the same id already exists it is returned untouched with created=false.
	CreateIfAbsent(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error)
	UpdateStatus(ctx context.Context, txID string, change Transition) (*models.Transaction, error)
	SetFrozen(ctx context.Context, txID string, change FreezeChange) (*models.Transaction, error)
	// ClaimRefund moves refund_state none to requested while status still equals expected, the
	// row is unfrozen and nothing has been withdrawn. Only the caller holding the claim may
	// call the refund provider and commit the refunded status.
	ClaimRefund(ctx context.Context, txID string, expected enums.TransactionStatus) (*models.Transaction, error)
	// ReleaseRefund drops a requested claim after a failed provider call.
	ReleaseRefund(ctx context.Context, txID string) (*models.Transaction, error)
	ToggleFlag(ctx context.Context, txID string) (*models.Transaction, error)
	List(ctx context.Context, filter Filter, params pagination.Params) ([]models.Transaction, int64, error)
	ListSettlementDeferred(ctx context.Context, limit int) ([]models.Transaction, error)
}

// Transition is a compare-and-swap on status. Expected == Next appends an annotation
// entry without changing status; only real status changes are blocked by the frozen flag
// and by an open refund claim. A change that sets Refund to refunded is the claim's commit
// and requires the claim instead.
type Transition struct {
	Expected      enums.TransactionStatus
	Next          enums.TransactionStatus
	Entry         models.TransactionHistory
	Settlement    enums.SettlementState
	SettlementRef string
	Refund        enums.RefundState
}

// FreezeChange flips is_frozen when the stored flag and status still match what the caller read.
// Freezing also requires that no refund claim is open.
type FreezeChange struct {
	Frozen         bool
	ExpectedStatus enums.TransactionStatus
	Entry          models.TransactionHistory
}

// Filter narrows List results.
type Filter struct {
	Status   *enums.TransactionStatus
	Provider *enums.Provider
}

func (t Transition) validate() error {
	if !t.Expected.IsValid() || !t.Next.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "transition requires valid statuses")
	}
	if t.Entry.UpdatedBy == "" || t.Entry.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "history entry requires actor and reason")
	}
	if t.Settlement != "" && !t.Settlement.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid settlement state")
	}
	if t.Refund != "" && !t.Refund.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid refund state")
	}
	return nil
}

func (c FreezeChange) validate() error {
	if !c.ExpectedStatus.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "freeze change requires a valid status")
	}
	if c.Entry.UpdatedBy == "" || c.Entry.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "history entry requires actor and reason")
	}
	return nil
}

func validateNew(tx *models.Transaction) error {
	if tx == nil || tx.TxID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	if !tx.Status.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction status").
			WithDetails(map[string]string{"status": string(tx.Status)})
	}
	if !tx.Provider.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid provider").
			WithDetails(map[string]string{"provider": string(tx.Provider)})
	}
	if len(tx.History) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "initial history entry is required")
	}
	return nil
}

func notFound(txID string) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found").
		WithDetails(map[string]string{"txId": txID})
}

func conflict(txID string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, "transaction changed concurrently").
		WithDetails(map[string]string{"txId": txID})
}

// commitsRefundClaim reports whether change is the refunded commit of an open claim.
func (t Transition) commitsRefundClaim() bool {
	return t.Refund == enums.RefundStateRefunded
}

// IsConflict reports whether err is a lost compare-and-swap.
func IsConflict(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeConflict)
}
