package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// VerifyHMAC checks an HMAC-SHA256 signature over a callback body. The
// signature is the hex digest, with or without a "sha256=" prefix.
// Error messages never include the expected digest, so they are safe
// to log.
func VerifyHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("signature check: secret is empty")
	}
	if len(body) == 0 {
		return errors.New("signature check: body is empty")
	}
	if signature == "" {
		return errors.New("signature check: signature is empty")
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("signature check: invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), raw) != 1 {
		return errors.New("signature check: signature mismatch")
	}
	return nil
}

// SignBody produces the "sha256=<hex>" signature header value for a
// body. Used by clients that post signed completion notifications.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
