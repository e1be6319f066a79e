// Package events turns signed CI and scorer deliveries into evaluation
// events and drives them through the task engine exactly once.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/CookPiu/Bot/internal/domain"
)

// Header names used by the webhook ingress.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderEvent     = "X-GitHub-Event"
)

const signaturePrefix = "sha256="

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC-SHA256 of body in constant time.
// Any mismatch, including a missing secret, is *domain.UnauthorizedError.
func Verify(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return &domain.UnauthorizedError{Reason: "webhook secret not configured"}
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return &domain.UnauthorizedError{Reason: "missing or malformed signature"}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return &domain.UnauthorizedError{Reason: "missing or malformed signature"}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &domain.UnauthorizedError{Reason: "signature mismatch"}
	}
	return nil
}
