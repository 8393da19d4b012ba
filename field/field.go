// Package field encrypts individual record fields with the live household
// key and decides, per write, which columns a record carries.
package field

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/thegreatlucas/therichcouple-sub000/key"
)

// ColumnPrefix marks the ciphertext column paired with an eligible field.
const ColumnPrefix = "enc_"

// ErrLocked is returned when a field needs the household key and the session
// has not unlocked it.
var ErrLocked = errors.New("household key is locked")

// KeySource yields the session's live key. *session.KeyCache implements it.
type KeySource interface {
	Get() (*key.Key, bool)
}

// EncryptField seals one field value. Every call uses a fresh nonce.
func EncryptField(plaintext string, k *key.Key) (string, error) {
	if k == nil {
		return "", ErrLocked
	}
	return k.Encrypt([]byte(plaintext))
}

// DecryptField opens a value produced by EncryptField. Any failure is
// crypto.ErrAuthentication.
func DecryptField(blob string, k *key.Key) (string, error) {
	if k == nil {
		return "", ErrLocked
	}
	plain, err := k.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ColumnName returns the ciphertext column for a field.
func ColumnName(name string) string {
	return ColumnPrefix + name
}

// Policy is the fixed set of field names eligible for encryption.
type Policy struct {
	names map[string]struct{}
}

// DefaultFields are the record fields encrypted when nothing else is configured.
var DefaultFields = []string{"description", "notes", "merchant", "name"}

// NewPolicy builds a Policy from field names. Blank names are ignored.
func NewPolicy(names ...string) Policy {
	p := Policy{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		p.names[n] = struct{}{}
	}
	return p
}

// DefaultPolicy returns a Policy over DefaultFields.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultFields...)
}

// Eligible reports whether name is in the policy.
func (p Policy) Eligible(name string) bool {
	_, ok := p.names[name]
	return ok
}

// Fields returns the eligible names in sorted order.
func (p Policy) Fields() []string {
	out := make([]string, 0, len(p.names))
	for n := range p.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Mode selects what a write does with eligible fields.
type Mode int

const (
	// ModeDisabled writes every field in plaintext. Households without a
	// vault are always in this mode.
	ModeDisabled Mode = iota
	// ModeEnabled requires the live key; a locked session fails the write
	// with ErrLocked.
	ModeEnabled
	// ModeOpportunistic encrypts when the key is live and otherwise writes
	// plaintext, reporting the fields it could not seal.
	ModeOpportunistic
)

var modeNames = map[Mode]string{
	ModeDisabled:      "disabled",
	ModeEnabled:       "enabled",
	ModeOpportunistic: "opportunistic",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeDisabled, fmt.Errorf("unknown encryption mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("unknown encryption mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ModeFor resolves the effective mode of a household. Without a vault there
// is nothing to encrypt with, whatever is configured.
func ModeFor(configured bool, mode Mode) Mode {
	if !configured {
		return ModeDisabled
	}
	return mode
}
