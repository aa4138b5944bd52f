package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidSignature = errors.New("gateway: invalid signature")

// Signer implements the gateway's shared-secret scheme:
// hex(HMAC-SHA256(key, "k1=v1&k2=v2...")) over keys sorted ascending.
type Signer struct {
	key []byte
}

func NewSigner(checksumKey string) *Signer {
	return &Signer{key: []byte(checksumKey)}
}

func (s *Signer) Sign(fields map[string]any) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignJSON signs a JSON object. Numbers keep their literal form.
func (s *Signer) SignJSON(raw json.RawMessage) (string, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	return s.Sign(fields), nil
}

// VerifyJSON checks signature against the JSON object raw.
func (s *Signer) VerifyJSON(raw json.RawMessage, signature string) error {
	if len(s.key) == 0 {
		return fmt.Errorf("%w: checksum key not configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	expected, err := s.SignJSON(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode signed object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("decode signed object: not an object")
	}
	return fields, nil
}

func canonical(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(fields[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if x == "null" || x == "undefined" {
			return ""
		}
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return fmt.Sprintf("%d", x)
	case int64:
		return fmt.Sprintf("%d", x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
