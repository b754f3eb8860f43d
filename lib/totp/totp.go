// Package totp derives RFC 6238 time-based one-time passwords from a
// shared secret, for accounts that have an authenticator app enrolled.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	Digits = 6
	Period = 30 * time.Second
)

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
}

// GenerateCode computes the code valid at time t.
func GenerateCode(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", fmt.Errorf("invalid otp secret: %w", err)
	}

	counter := uint64(t.Unix()) / uint64(Period/time.Second)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0xf
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])
	code %= 1_000_000

	return fmt.Sprintf("%0*d", Digits, code), nil
}

// Validate reports whether code matches the secret within a one-step
// clock tolerance window on either side of t.
func Validate(secret, code string, t time.Time) bool {
	for _, skew := range []time.Duration{0, -Period, Period} {
		expected, err := GenerateCode(secret, t.Add(skew))
		if err != nil {
			return false
		}
		if expected == code {
			return true
		}
	}
	return false
}
