package auth

import (
	"github.com/angelmondragon/rampledger/pkg/enums"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	Operator string
	Role     enums.OperatorRole
	JTI      string
}

// AccessTokenClaims represents the typed JWT presented by operators.
type AccessTokenClaims struct {
	Role enums.OperatorRole `json:"role"`
	jwt.RegisteredClaims
}

// Operator returns the subject the token was minted for.
func (c *AccessTokenClaims) Operator() string {
	return c.Subject
}
