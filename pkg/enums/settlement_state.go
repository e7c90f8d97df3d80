package enums

// SettlementState tracks the post-commit withdrawal to cold storage.
type SettlementState string

const (
	SettlementStateNone     SettlementState = "none"
	SettlementStateDeferred SettlementState = "deferred"
	// SettlementStateSubmitted means the provider accepted a withdrawal that the ledger has
	// not yet recorded as withdrawn. SettlementRef holds the provider reference.
	SettlementStateSubmitted SettlementState = "submitted"
	SettlementStateSettled   SettlementState = "settled"
)

// IsValid reports whether the settlement state is recognized.
func (s SettlementState) IsValid() bool {
	switch s {
	case SettlementStateNone, SettlementStateDeferred, SettlementStateSubmitted, SettlementStateSettled:
		return true
	}
	return false
}

// Withdrawn reports whether funds already left for cold storage.
func (s SettlementState) Withdrawn() bool {
	return s == SettlementStateSubmitted || s == SettlementStateSettled
}
