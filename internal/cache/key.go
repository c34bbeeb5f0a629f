package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalize renders v as JSON with object keys in sorted order, so two
// structurally equal requests produce identical bytes whatever their field
// or map insertion order.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize request: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode normalized request: %w", err)
	}
	return out, nil
}

// deriveKey returns prefix followed by the hex SHA-256 of the canonical request.
func deriveKey(prefix string, request any) (string, error) {
	canonical, err := canonicalize(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return prefix + hex.EncodeToString(sum[:]), nil
}
