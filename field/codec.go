package field

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thegreatlucas/therichcouple-sub000/key"
)

// Codec maps a record's logical fields to stored columns and back.
type Codec struct {
	Policy Policy
	Mode   Mode
	// EmitPlaintext also writes the plaintext column next to enc_<name>.
	// Only for migrations from stores that still read plaintext.
	EmitPlaintext bool
}

// Encoded is the column set for one write.
type Encoded struct {
	Columns map[string]string
	// Sealed lists eligible fields written as ciphertext.
	Sealed []string
	// Plain lists eligible fields written only in plaintext.
	Plain []string
}

// Encrypted reports whether no eligible field was left in plaintext.
func (e Encoded) Encrypted() bool {
	return len(e.Plain) == 0
}

// Encode turns fields into columns. Empty values are written as-is.
func (c Codec) Encode(keys KeySource, fields map[string]string) (Encoded, error) {
	out := Encoded{Columns: make(map[string]string, len(fields))}

	var k *key.Key
	if keys != nil {
		k, _ = keys.Get()
	}
	if c.Mode == ModeEnabled && k == nil && c.hasEligible(fields) {
		return Encoded{}, ErrLocked
	}

	for _, name := range sortedKeys(fields) {
		value := fields[name]
		if !c.Policy.Eligible(name) || value == "" {
			out.Columns[name] = value
			continue
		}
		if c.Mode == ModeDisabled || k == nil {
			out.Columns[name] = value
			out.Plain = append(out.Plain, name)
			continue
		}

		blob, err := EncryptField(value, k)
		if err != nil {
			return Encoded{}, fmt.Errorf("encrypting %s: %w", name, err)
		}
		out.Columns[ColumnName(name)] = blob
		if c.EmitPlaintext {
			out.Columns[name] = value
		}
		out.Sealed = append(out.Sealed, name)
	}
	return out, nil
}

func (c Codec) hasEligible(fields map[string]string) bool {
	for name, v := range fields {
		if v != "" && c.Policy.Eligible(name) {
			return true
		}
	}
	return false
}

// Decode turns stored columns back into fields. A ciphertext column wins
// when the key is live; otherwise a plaintext column is used if present and
// ErrLocked returned if not.
func (c Codec) Decode(keys KeySource, columns map[string]string) (map[string]string, error) {
	var k *key.Key
	if keys != nil {
		k, _ = keys.Get()
	}

	out := make(map[string]string, len(columns))
	for name, value := range columns {
		if isCipherColumn(c.Policy, name) {
			continue
		}
		out[name] = value
	}

	for _, name := range c.Policy.Fields() {
		blob, ok := columns[ColumnName(name)]
		if !ok || blob == "" {
			continue
		}
		if k == nil {
			if _, hasPlain := columns[name]; hasPlain {
				continue
			}
			return nil, fmt.Errorf("decoding %s: %w", name, ErrLocked)
		}
		plain, err := DecryptField(blob, k)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

func isCipherColumn(p Policy, column string) bool {
	name, ok := strings.CutPrefix(column, ColumnPrefix)
	return ok && p.Eligible(name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
