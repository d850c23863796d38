// Package signature verifies inbound webhook signatures.
//
// Platforms sign the exact raw request body with HMAC-SHA256 under the
// per-platform app secret and send the hex MAC in X-Hub-Signature-256 as
// "sha256=<hex>". Verification is constant-time; the raw body and the
// presented header are never logged.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header is the signature header name used by both platforms.
const Header = "X-Hub-Signature-256"

const prefix = "sha256="

// Verify reports whether header carries a valid HMAC-SHA256 of body under
// secret. It also returns a masked digest fragment (first 8 bytes of the
// locally computed MAC, hex) safe for audit records on failure.
func Verify(body []byte, header string, secret []byte) (ok bool, maskedDigest string) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	computed := mac.Sum(nil)
	maskedDigest = hex.EncodeToString(computed[:8])

	if !strings.HasPrefix(header, prefix) {
		return false, maskedDigest
	}
	presented, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false, maskedDigest
	}
	return hmac.Equal(computed, presented), maskedDigest
}

// Sign produces the header value for body under secret. Used by tests and
// by the local development tooling to fabricate platform requests.
func Sign(body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}
