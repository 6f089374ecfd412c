package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DerivePSK turns a quoted plaintext passphrase into the 64-hex-character
// pre-shared key the way wpa_supplicant would store it: IEEE 802.11
// PBKDF2-HMAC-SHA1 over the passphrase with the SSID as salt, 4096
// rounds, 32 bytes. Unquoted payloads (already-derived keys) pass through
// untouched.
func DerivePSK(ssid, psk string) string {
	if len(psk) < 2 || !strings.HasPrefix(psk, "\"") || !strings.HasSuffix(psk, "\"") {
		return psk
	}
	passphrase := psk[1 : len(psk)-1]
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
