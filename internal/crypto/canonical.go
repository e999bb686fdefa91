package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serialises v deterministically: object keys sorted, minimal
// separators, no trailing newline. Both signer and verifier must produce
// byte-identical output for the same logical value, so everything funnels
// through this one marshaller.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Scalars and typed values: round-trip through encoding/json.
		// json.Marshal emits minimal form for numbers, strings, and bools.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical marshal: %w", err)
		}
		// Nested structs or typed maps must not sneak past key sorting.
		// Re-decode into generic form and recurse when the value is composite.
		if len(b) > 0 && (b[0] == '{' || b[0] == '[') {
			var generic any
			if err := json.Unmarshal(b, &generic); err != nil {
				return err
			}
			return writeCanonical(buf, generic)
		}
		buf.Write(b)
	}
	return nil
}
