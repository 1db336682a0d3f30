package poll

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a SHA-256 hex digest of v's JSON content. Object key
// order does not affect the result; any change in values does. Raw JSON
// ([]byte or json.RawMessage) is hashed by content, not as a byte string.
func Fingerprint(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// Canonical re-encodes v with object keys sorted and insignificant
// whitespace removed. Numbers keep their literal form.
func Canonical(v any) ([]byte, error) {
	var raw []byte

	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("poll: encoding payload: %w", err)
		}

		raw = data
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("poll: normalizing payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("poll: normalizing payload: %w", err)
	}

	return out, nil
}
