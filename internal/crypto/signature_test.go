package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMACAcceptsValidSignature(t *testing.T) {
	secret := "shh"
	signingString := ChatSigningString("1700000000", `{"hello":"world"}`)
	sig := "v0=" + SignHMAC(secret, signingString)

	assert.True(t, VerifyHMAC(secret, signingString, sig))
}

func TestVerifyHMACRejectsBitFlips(t *testing.T) {
	secret := "shh"
	signingString := ChatSigningString("1700000000", `{"hello":"world"}`)
	sig := "v0=" + SignHMAC(secret, signingString)

	assert.False(t, VerifyHMAC(secret, signingString+"x", sig))
	assert.False(t, VerifyHMAC(secret, ChatSigningString("1700000001", `{"hello":"world"}`), sig))
	assert.False(t, VerifyHMAC(secret, signingString, sig[:len(sig)-1]+"0"))
}

func TestWithinReplayWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	recent := strconv.FormatInt(now.Add(-4*time.Minute).Unix(), 10)
	assert.True(t, WithinReplayWindow(recent, 5*time.Minute, now))

	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
	assert.False(t, WithinReplayWindow(stale, 5*time.Minute, now))

	future := strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10)
	assert.False(t, WithinReplayWindow(future, 5*time.Minute, now))
}
