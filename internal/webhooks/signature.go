package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"strings"

	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

const (
	CoinPaymentsSignatureHeader = "HMAC"
	MercuryoSignatureHeader     = "Signature"
)

// Verifier checks an HMAC hex digest over the exact request bytes.
type Verifier struct {
	provider enums.Provider
	header   string
	secret   []byte
	newHash  func() hash.Hash
}

// NewCoinPaymentsVerifier signs IPN bodies with HMAC-SHA512.
func NewCoinPaymentsVerifier(ipnSecret string) (*Verifier, error) {
	return newVerifier(enums.ProviderCoinPayments, CoinPaymentsSignatureHeader, ipnSecret, sha512.New)
}

// NewMercuryoVerifier signs webhook bodies with HMAC-SHA256.
func NewMercuryoVerifier(webhookSecret string) (*Verifier, error) {
	return newVerifier(enums.ProviderMercuryo, MercuryoSignatureHeader, webhookSecret, sha256.New)
}

func newVerifier(provider enums.Provider, header, secret string, newHash func() hash.Hash) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &Verifier{provider: provider, header: header, secret: []byte(secret), newHash: newHash}, nil
}

// Header names the request header carrying the digest.
func (v *Verifier) Header() string {
	return v.header
}

// Provider reports which provider the verifier belongs to.
func (v *Verifier) Provider() enums.Provider {
	return v.provider
}

// Verify rejects payload unless digest is the hex HMAC of payload under the shared secret.
func (v *Verifier) Verify(payload []byte, digest string) error {
	claimed, err := hex.DecodeString(strings.TrimSpace(digest))
	if err != nil || len(claimed) == 0 {
		return authError(v.provider, "signature missing or not hex")
	}
	if !hmac.Equal(v.Sign(payload), claimed) {
		return authError(v.provider, "signature mismatch")
	}
	return nil
}

// Sign returns the raw HMAC of payload.
func (v *Verifier) Sign(payload []byte) []byte {
	mac := hmac.New(v.newHash, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func authError(provider enums.Provider, reason string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidSignature, reason).
		WithDetails(map[string]string{"provider": string(provider)})
}
