package gitops

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Webhook signature errors.
var (
	ErrMissingSignature = errors.New("gitops: missing webhook signature")
	ErrBadSignature     = errors.New("gitops: invalid webhook signature")
)

// VerifyWebhookSignature proves an inbound callback originated from the
// claimed provider. GitHub sends an HMAC-SHA256 of the payload prefixed with
// "sha256="; GitLab sends the shared token verbatim. Both comparisons are
// constant time.
func VerifyWebhookSignature(provider string, payload []byte, secret string, provided string) error {
	if strings.TrimSpace(provided) == "" {
		return ErrMissingSignature
	}
	switch provider {
	case ProviderGitLab:
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return ErrBadSignature
		}
		return nil
	default:
		// GitHub-style HMAC; bitbucket uses the same scheme.
		sig := strings.TrimPrefix(provided, "sha256=")
		hasher := hmac.New(sha256.New, []byte(secret))
		hasher.Write(payload)
		expected := hex.EncodeToString(hasher.Sum(nil))
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			return ErrBadSignature
		}
		return nil
	}
}
