package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/pbkdf2"
	"pgregory.net/rapid"
)

// Reference vector from IEEE Std 802.11-2004, Annex H.4.
func TestDerivePSKReferenceVector(t *testing.T) {
	got := DerivePSK("IEEE", "\"password\"")
	assert.Equal(t,
		"f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e",
		got)
}

func TestDerivePSKPassesUnquotedThrough(t *testing.T) {
	raw := "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e"
	assert.Equal(t, raw, DerivePSK("IEEE", raw))
	assert.Equal(t, "x", DerivePSK("IEEE", "x"))
	assert.Equal(t, "\"", DerivePSK("IEEE", "\""))
}

// Any quoted passphrase digests to 64 hex chars matching a direct PBKDF2
// computation.
func TestDerivePSKMatchesPBKDF2(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ssid := rapid.StringMatching(`[ -~]{1,32}`).Draw(t, "ssid")
		pass := rapid.StringMatching(`[ -~]{8,63}`).Draw(t, "pass")

		got := DerivePSK(ssid, "\""+pass+"\"")
		want := hex.EncodeToString(pbkdf2.Key([]byte(pass), []byte(ssid), 4096, 32, sha1.New))
		if got != want {
			t.Fatalf("DerivePSK(%q, %q) = %s, want %s", ssid, pass, got, want)
		}
		if len(got) != 64 {
			t.Fatalf("digest length %d", len(got))
		}
	})
}
