package transactions

import (
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

// Action names a requested state change.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionConfirm  Action = "confirm"
	ActionFail     Action = "fail"
	ActionSettle   Action = "settle"
	ActionFreeze   Action = "freeze"
	ActionUnfreeze Action = "unfreeze"
	ActionRefund   Action = "refund"

	actionRefundClaim Action = "refund_claim"
)

type planKind int

const (
	planStatus planKind = iota
	planFreeze
	planNoop
)

type plan struct {
	kind   planKind
	target enums.TransactionStatus
	frozen bool
}

// planFor decides what action means for the current record. raced is set when an earlier
// attempt in the same call lost a CAS, in which case reaching the target already counts as done.
func planFor(action Action, tx *models.Transaction, raced bool) (plan, error) {
	switch action {
	case ActionFreeze:
		if tx.IsFrozen {
			return plan{kind: planNoop}, nil
		}
		if tx.Status.IsTerminal() {
			return plan{}, illegal(action, tx, "terminal transactions cannot be frozen")
		}
		if tx.RefundState == enums.RefundStateRequested {
			return plan{}, illegal(action, tx, "refund in progress")
		}
		return plan{kind: planFreeze, frozen: true}, nil
	case ActionUnfreeze:
		if !tx.IsFrozen {
			return plan{kind: planNoop}, nil
		}
		return plan{kind: planFreeze, frozen: false}, nil
	}

	target, sources, ok := statusRule(action)
	if !ok {
		return plan{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown action").
			WithDetails(map[string]string{"action": string(action)})
	}

	if tx.Status == target && (raced || action != ActionApprove) {
		return plan{kind: planNoop}, nil
	}
	if tx.IsFrozen {
		return plan{}, illegal(action, tx, "transaction is frozen")
	}
	if tx.RefundState == enums.RefundStateRequested {
		return plan{}, illegal(action, tx, "refund in progress")
	}
	if action == ActionRefund && (tx.Settlement.Withdrawn() || tx.SettlementRef != "") {
		return plan{}, illegal(action, tx, "funds already withdrawn to cold wallet")
	}
	for _, from := range sources {
		if tx.Status == from {
			return plan{kind: planStatus, target: target}, nil
		}
	}
	return plan{}, illegal(action, tx, "action not permitted from current status")
}

func statusRule(action Action) (enums.TransactionStatus, []enums.TransactionStatus, bool) {
	switch action {
	case ActionApprove, ActionConfirm:
		return enums.TransactionStatusConfirmed, []enums.TransactionStatus{enums.TransactionStatusPending}, true
	case ActionFail:
		return enums.TransactionStatusFailed, []enums.TransactionStatus{
			enums.TransactionStatusPending, enums.TransactionStatusConfirmed,
		}, true
	case ActionSettle:
		return enums.TransactionStatusWithdrawn, []enums.TransactionStatus{enums.TransactionStatusConfirmed}, true
	case ActionRefund:
		return enums.TransactionStatusRefunded, []enums.TransactionStatus{
			enums.TransactionStatusPending, enums.TransactionStatusConfirmed,
		}, true
	}
	return "", nil, false
}

func illegal(action Action, tx *models.Transaction, reason string) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, reason).WithDetails(map[string]any{
		"action":   action,
		"txId":     tx.TxID,
		"status":   tx.Status,
		"isFrozen": tx.IsFrozen,
		"refund":   tx.RefundState,
	})
}

// IsIllegalTransition reports whether err rejected an action for the current state.
func IsIllegalTransition(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeStateConflict)
}
