package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Bind computes the SHA-256 digest of the canonical serialization of content
// and returns it as lowercase hex. The same content always produces the same
// hash regardless of map iteration order.
func Bind(content map[string]any) (string, error) {
	canonical, err := Canonicalize(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the content hash and compares it to expectedHash.
// Comparison is constant-time; a malformed content payload verifies false.
func Verify(content map[string]any, expectedHash string) bool {
	computed, err := Bind(content)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(expectedHash))) == 1
}

// Canonicalize produces a deterministic JSON encoding of content: object keys
// sorted recursively, no insignificant whitespace, standard encoding/json
// scalar rules. Downstream integrity checks (and the cadena original builder)
// rely on these exact bytes.
func Canonicalize(content map[string]any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, content); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	}
}
