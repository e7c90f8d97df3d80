package enums

// RefundState tracks the refund claim that guards the provider call.
type RefundState string

const (
	RefundStateNone      RefundState = "none"
	RefundStateRequested RefundState = "requested"
	RefundStateRefunded  RefundState = "refunded"
)

// IsValid reports whether the refund state is recognized.
func (s RefundState) IsValid() bool {
	switch s {
	case RefundStateNone, RefundStateRequested, RefundStateRefunded:
		return true
	}
	return false
}
