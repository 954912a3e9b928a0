package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// TokenBindingProtocol is the subprotocol a client advertises during the
// upgrade to opt in to per-frame token binding.
const TokenBindingProtocol = "signalfish.token-binding.v1"

var errBindingMissing = errors.New("token binding member missing")

// tokenBindingClaim is the binding member carried inside a bound frame's
// data object.
type tokenBindingClaim struct {
	Scheme      string `json:"scheme"`
	Signature   string `json:"signature"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// bindingKey derives the per-session MAC key from the upgrade request's
// Sec-WebSocket-Key.
func bindingKey(wsKey string) []byte {
	sum := sha256.Sum256([]byte(wsKey))
	return sum[:]
}

// verifyTokenBinding checks the HMAC-SHA-256 binding of one text frame.
// The signed form is the frame re-serialized with the token_binding member
// removed and object keys in canonical order.
func verifyTokenBinding(raw []byte, wsKey string) error {
	var frame struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("malformed bound frame: %w", err)
	}

	bindingRaw, ok := frame.Data["token_binding"]
	if !ok {
		return errBindingMissing
	}
	blob, err := json.Marshal(bindingRaw)
	if err != nil {
		return fmt.Errorf("malformed token binding: %w", err)
	}
	var claim tokenBindingClaim
	if err := json.Unmarshal(blob, &claim); err != nil {
		return fmt.Errorf("malformed token binding: %w", err)
	}
	if claim.Scheme != "hmac-sha256" {
		return fmt.Errorf("unsupported binding scheme %q", claim.Scheme)
	}
	sig, err := base64.StdEncoding.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("binding signature is not base64: %w", err)
	}

	delete(frame.Data, "token_binding")
	canonical, err := json.Marshal(struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}{frame.Type, frame.Data})
	if err != nil {
		return fmt.Errorf("reserialize bound frame: %w", err)
	}

	mac := hmac.New(sha256.New, bindingKey(wsKey))
	mac.Write(canonical)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return errors.New("binding signature mismatch")
	}
	return nil
}

// signTokenBinding produces the signature a client would attach. Test
// helper and reference for SDK implementations.
func signTokenBinding(canonical []byte, wsKey string) string {
	mac := hmac.New(sha256.New, bindingKey(wsKey))
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
