package enums

import "fmt"

// FraudFlag is an advisory risk label; it never gates a transition.
type FraudFlag string

const (
	FraudFlagHighRisk FraudFlag = "high risk"
	FraudFlagLowRisk  FraudFlag = "low risk"
)

var validFraudFlags = []FraudFlag{
	FraudFlagHighRisk,
	FraudFlagLowRisk,
}

// IsValid reports whether the fraud flag is recognized.
func (f FraudFlag) IsValid() bool {
	for _, candidate := range validFraudFlags {
		if candidate == f {
			return true
		}
	}
	return false
}

// ParseFraudFlag converts a raw string into a FraudFlag.
func ParseFraudFlag(value string) (FraudFlag, error) {
	for _, candidate := range validFraudFlags {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid fraud flag %q", value)
}
