// Package signer computes and verifies HMAC-SHA256 signatures over outbound
// and inbound webhook payloads.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
)

var sigHeaderRe = regexp.MustCompile(`^sha256=[a-f0-9]+$`)

// ErrMalformedHeader is returned by ParseSignatureHeader when the header
// does not match the sha256=<hex> shape.
var ErrMalformedHeader = errors.New("signer: malformed signature header")

// Sign computes the lowercase hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Header formats a Sign result as the X-Signature header value.
func Header(payload []byte, secret string) string {
	return "sha256=" + Sign(payload, secret)
}

// Verify reports whether sigHex is the correct HMAC-SHA256 of payload under
// secret, using a constant-time comparison.
func Verify(payload []byte, sigHex string, secret string) bool {
	want := Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(sigHex))
}

// ParseSignatureHeader validates and extracts the hex digest from an
// X-Signature header of the form "sha256=<hex>".
func ParseSignatureHeader(header string) (string, error) {
	if !sigHeaderRe.MatchString(header) {
		return "", ErrMalformedHeader
	}
	return header[len("sha256="):], nil
}

// VerifyHeader parses header and verifies it against payload under secret.
func VerifyHeader(payload []byte, header string, secret string) bool {
	sigHex, err := ParseSignatureHeader(header)
	if err != nil {
		return false
	}
	return Verify(payload, sigHex, secret)
}
