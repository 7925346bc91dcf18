package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/opentrusty/opencrm/internal/apperr"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Verifier authenticates webhook bodies with a shared secret. A Verifier
// with an empty secret accepts every body; configuration refuses that in
// production.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks signature against body. It must run on the raw bytes before
// any parsing.
func (v *Verifier) Verify(body []byte, signature string) error {
	if !v.Enabled() {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	if signature == "" {
		return apperr.Rejected(apperr.ReasonBadSignature, "missing webhook signature")
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return apperr.Rejected(apperr.ReasonBadSignature, "malformed webhook signature")
	}
	if !hmac.Equal(got, v.mac(body)) {
		return apperr.Rejected(apperr.ReasonBadSignature, "webhook signature mismatch")
	}
	return nil
}

// Sign returns the hex signature for body.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.mac(body))
}

func (v *Verifier) mac(body []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(body)
	return h.Sum(nil)
}
