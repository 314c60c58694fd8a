package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedBody is returned when a request body is not valid JSON.
var ErrMalformedBody = errors.New("malformed request body")

// CanonicalBody re-encodes a JSON body so that semantically equal bodies
// produce identical bytes: object keys sorted, insignificant whitespace removed,
// numbers kept verbatim. An empty body canonicalizes to nothing.
func CanonicalBody(body json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, ErrMalformedBody
	}
	if dec.More() {
		return nil, ErrMalformedBody
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, ErrMalformedBody
	}
	return out, nil
}

// SigningPayload builds the byte string covered by a request signature.
func SigningPayload(req *ProxyRequest) ([]byte, error) {
	body, err := CanonicalBody(req.Body)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(req.SessionID)
	b.WriteByte('\n')
	b.WriteString(req.RequestID)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte('\n')
	b.WriteString(req.Endpoint)
	b.WriteByte('\n')
	b.Write(body)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(req.Timestamp, 10))
	return []byte(b.String()), nil
}

// Sign computes the hex HMAC-SHA256 signature of req under key.
func Sign(key []byte, req *ProxyRequest) (string, error) {
	payload, err := SigningPayload(req)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it in constant time.
// The signature covers the canonical body, so a body that differs only in
// whitespace or key order still verifies. Headers are not covered.
func Verify(key []byte, req *ProxyRequest) bool {
	expected, err := Sign(key, req)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(req.Signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(got, want)
}

// DecodeSigningKey decodes the signingKey field of an EphemeralToken.
func DecodeSigningKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeSigningKey is the inverse of DecodeSigningKey.
func EncodeSigningKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}
