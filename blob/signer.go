package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// SignatureLength is the number of hex characters kept from the HMAC.
const SignatureLength = 32

var (
	ErrExpired      = errors.New("signed url expired")
	ErrBadSignature = errors.New("signed url signature mismatch")
)

// Signer signs time-limited download links with HMAC-SHA256.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// message is "key|expires".
func message(key string, expires int64) string {
	return key + "|" + strconv.FormatInt(expires, 10)
}

// Sign returns the expiry (unix seconds) and signature for key, valid for ttl.
func (s *Signer) Sign(key string, ttl time.Duration) (int64, string) {
	expires := s.now().Add(ttl).Unix()
	return expires, s.signature(key, expires)
}

func (s *Signer) signature(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message(key, expires)))
	return hex.EncodeToString(mac.Sum(nil))[:SignatureLength]
}

// Verify checks the signature first, then the expiry.
func (s *Signer) Verify(key string, expires int64, signature string) error {
	expected := s.signature(key, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}
