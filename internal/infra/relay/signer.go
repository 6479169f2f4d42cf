package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Header names used to authenticate against the relay.
const (
	HeaderKey       = "X-RELAY-KEY"
	HeaderSign      = "X-RELAY-SIGN"
	HeaderTimestamp = "X-RELAY-TIMESTAMP"
)

// Signer handles relay request signatures
type Signer struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		now:       time.Now,
	}
}

// GenerateHeaders creates the authentication headers for a request.
// The signed payload is timestamp + method + path + body.
func (s *Signer) GenerateHeaders(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	payload := timestamp + method + path + body

	return map[string]string{
		HeaderKey:       s.apiKey,
		HeaderSign:      computeHmacSha256(payload, s.apiSecret),
		HeaderTimestamp: timestamp,
		"Content-Type":  "application/json",
	}
}

// Verify checks a signature produced by GenerateHeaders.
func (s *Signer) Verify(timestamp, method, path, body, sign string) bool {
	expected := computeHmacSha256(timestamp+method+path+body, s.apiSecret)
	return hmac.Equal([]byte(expected), []byte(sign))
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
