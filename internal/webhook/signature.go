package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// Signature headers set by the broker on every relayed delivery. The second
// header carries the signature under a rotated secret.
const (
	HeaderSignature  = "X-Hookdeck-Signature"
	HeaderSignature2 = "X-Hookdeck-Signature-2"
)

// Sign returns base64(HMAC-SHA256(body, secret)).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether any of signatures matches body under
// secret. An empty secret or an empty signature list never verifies.
func VerifySignature(body []byte, signatures []string, secret string) bool {
	if secret == "" || len(signatures) == 0 {
		return false
	}
	expected := []byte(Sign(body, secret))
	ok := false
	for _, sig := range signatures {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if subtle.ConstantTimeCompare(expected, []byte(sig)) == 1 {
			ok = true
		}
	}
	return ok
}

// SignaturesFromHeader collects the non-empty signature headers.
func SignaturesFromHeader(h http.Header) []string {
	var sigs []string
	for _, name := range []string{HeaderSignature, HeaderSignature2} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			sigs = append(sigs, v)
		}
	}
	return sigs
}
