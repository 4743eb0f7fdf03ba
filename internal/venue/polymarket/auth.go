package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// hmacAuth holds the credentials for L2 (HMAC-authenticated) requests
// against the CLOB API, obtained from the derive-api-key flow.
type hmacAuth struct {
	Key        string // API key
	Secret     string // API secret, base64-encoded
	Passphrase string // API passphrase
}

// l2Headers returns the HTTP headers for an L2 CLOB request. The signature
// is HMAC-SHA256(base64-decoded secret, timestamp+method+path+body) encoded
// as base64.
func (h *hmacAuth) l2Headers(address, method, path, body string) map[string]string {
	return h.l2HeadersAt(address, method, path, body, time.Now().Unix())
}

// l2HeadersAt is like l2Headers with a caller-supplied Unix timestamp, for
// deterministic testing.
func (h *hmacAuth) l2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		// If decoding fails, fall back to raw bytes so the caller gets an
		// obviously-wrong signature rather than a panic.
		secretBytes = []byte(h.Secret)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}
