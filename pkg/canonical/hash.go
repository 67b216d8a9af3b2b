package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes returns the lowercase-hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACHex returns the lowercase-hex HMAC-SHA256 of message under secret.
// Outbox webhook deliveries sign `timestamp || "\n" || body` with this.
func HMACHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACEqual reports whether the hex signature matches in constant time.
func HMACEqual(secret, message []byte, signatureHex string) bool {
	want, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), want)
}
