package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// encodeBody renders the delivery payload as compact JSON. Map keys are
// emitted in sorted order, so the same payload always produces the same
// bytes; the signature is computed over exactly the bytes sent.
func encodeBody(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	return body, nil
}

// Sign computes the delivery signature header value for body:
// an HMAC-SHA256 hex digest prefixed with the scheme name.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against body in
// constant time. Receivers embed this to authenticate deliveries.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
