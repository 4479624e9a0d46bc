// Package signature verifies webhook payload signatures. Each verifier
// implements one vendor scheme; Verify picks the scheme from the headers
// that are present.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header names, lowercase. Callers canonicalize before lookup.
const (
	HeaderGitHub  = "x-hub-signature-256"
	HeaderStripe  = "stripe-signature"
	HeaderGeneric = "x-webhook-signature"
)

// Result reports a verification outcome. Reason is set when Valid is false.
type Result struct {
	Valid  bool
	Scheme string
	Reason string
}

// Verify checks the payload signature against the source's shared secret.
// With no secret configured verification is skipped and the payload is
// accepted. Headers must be keyed by lowercase name.
func Verify(headers map[string]string, body []byte, secret string) Result {
	if secret == "" {
		return Result{Valid: true, Scheme: "none"}
	}

	if sig, ok := headers[HeaderGitHub]; ok {
		return verifyGitHub(sig, body, secret)
	}
	if sig, ok := headers[HeaderStripe]; ok {
		return verifyStripe(sig, body, secret)
	}
	if sig, ok := headers[HeaderGeneric]; ok {
		return verifyGeneric(sig, body, secret)
	}
	return Result{Valid: false, Reason: "secret configured but no signature header present"}
}

// verifyGitHub checks the sha256= prefixed hex HMAC GitHub sends.
func verifyGitHub(header string, body []byte, secret string) Result {
	expected, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return Result{Scheme: "github", Reason: "missing sha256= prefix"}
	}
	if !hmacEqualHex(expected, body, secret) {
		return Result{Scheme: "github", Reason: "signature mismatch"}
	}
	return Result{Valid: true, Scheme: "github"}
}

// verifyStripe checks the t=...,v1=... header. The signed payload is the
// timestamp, a dot, and the raw body. Any matching v1 entry passes.
func verifyStripe(header string, body []byte, secret string) Result {
	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return Result{Scheme: "stripe", Reason: "malformed stripe-signature header"}
	}

	signed := append([]byte(timestamp+"."), body...)
	for _, candidate := range candidates {
		if hmacEqualHex(candidate, signed, secret) {
			return Result{Valid: true, Scheme: "stripe"}
		}
	}
	return Result{Scheme: "stripe", Reason: "signature mismatch"}
}

// verifyGeneric checks a bare hex HMAC, tolerating a sha256= prefix.
func verifyGeneric(header string, body []byte, secret string) Result {
	expected := strings.TrimPrefix(header, "sha256=")
	if !hmacEqualHex(expected, body, secret) {
		return Result{Scheme: "generic", Reason: "signature mismatch"}
	}
	return Result{Valid: true, Scheme: "generic"}
}

func hmacEqualHex(expectedHex string, payload []byte, secret string) bool {
	expected, err := hex.DecodeString(strings.ToLower(expectedHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(expected, mac.Sum(nil))
}
