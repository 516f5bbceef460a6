package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// WebhookHeader carries the body signature on ingest requests.
const WebhookHeader = "X-Webhook-Signature"

// WebhookAuth signs and verifies webhook bodies with HMAC-SHA256.
type WebhookAuth struct {
	Secret string
}

// Sign returns the hex HMAC-SHA256 of body.
func (w WebhookAuth) Sign(body []byte) string {
	return hex.EncodeToString(hmacSHA256([]byte(w.Secret), body))
}

// Verify reports whether header is a valid signature of body. A "sha256="
// prefix on header is accepted. An empty secret never verifies.
func (w WebhookAuth) Verify(body []byte, header string) bool {
	if w.Secret == "" {
		return false
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, hmacSHA256([]byte(w.Secret), body))
}

// String returns a redacted representation suitable for logging.
func (w WebhookAuth) String() string {
	if len(w.Secret) <= 4 {
		return "WebhookAuth{secret=****}"
	}
	return fmt.Sprintf("WebhookAuth{secret=%s****}", w.Secret[:4])
}

func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
