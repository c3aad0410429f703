package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifyHMAC computes HMAC-SHA256(secret, signingString) and compares it
// to expectedHex in constant time. expectedHex may optionally carry a
// "prefix=" scheme tag (e.g. chat platform's "v0=...") which is stripped
// before comparison.
func VerifyHMAC(secret, signingString, expectedHex string) bool {
	if idx := strings.IndexByte(expectedHex, '='); idx >= 0 && isHexScheme(expectedHex[:idx]) {
		expectedHex = expectedHex[idx+1:]
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	computed := mac.Sum(nil)
	return hmac.Equal(computed, expected)
}

// isHexScheme reports whether prefix looks like a short scheme tag such as
// "v0" rather than part of the hex digest itself.
func isHexScheme(prefix string) bool {
	return len(prefix) > 0 && len(prefix) <= 4
}

// SignHMAC computes the lowercase-hex HMAC-SHA256 of signingString under
// secret, used by tests and by clients that need to construct the same
// signature a webhook sender would.
func SignHMAC(secret, signingString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	return hex.EncodeToString(mac.Sum(nil))
}

// ChatSigningString builds the chat platform's signing string,
// "v0:{timestamp}:{rawBody}" (spec §4.6/§6).
func ChatSigningString(timestamp, rawBody string) string {
	return fmt.Sprintf("v0:%s:%s", timestamp, rawBody)
}

// EmailSigningString builds the email provider's signing string,
// "{timestamp}{token}" (spec §6; intentionally not the request body — see
// spec §9 open question (c), this concatenation is specific to that
// provider and must not be generalised to other providers).
func EmailSigningString(timestamp, token string) string {
	return timestamp + token
}

// WithinReplayWindow reports whether the unix-seconds timestamp ts is
// within window of now in either direction (spec §4.6/§8 invariant 3).
func WithinReplayWindow(ts string, window time.Duration, now time.Time) bool {
	seconds, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return false
	}
	eventTime := time.Unix(seconds, 0)
	delta := now.Sub(eventTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
