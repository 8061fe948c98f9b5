package policy

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ResourcePrefix is the scheme of a policy's capability resource.
const ResourcePrefix = "access-control-condition://"

// Hash is the SHA-256 of a PolicySet's canonical encoding.
type Hash [sha256.Size]byte

// ParseHash parses the 64 character hex form of a Hash.
func ParseHash(s string) (Hash, error) { // A
	if len(s) != sha256.Size*2 {
		return Hash{}, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hex: %w", err)
	}
	var h Hash
	copy(h[:], decoded)
	return h, nil
}

// Equal compares in constant time.
func (h Hash) Equal(other Hash) bool { // A
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { // A
	return h == Hash{}
}

// Bytes returns a copy of the hash.
func (h Hash) Bytes() []byte { // A
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

func (h Hash) String() string { // A
	return hex.EncodeToString(h[:])
}

// Canonical encodes the PolicySet deterministically: fixed field order, no
// HTML escaping, no trailing newline, nil parameter lists as [].
//
// The network re-derives these exact bytes at decrypt time, so any change
// here breaks every existing ciphertext.
func (p PolicySet) Canonical() ([]byte, error) { // A
	norm := p.Clone()
	for i := range norm {
		if norm[i].Parameters == nil {
			norm[i].Parameters = []string{}
		}
	}
	if norm == nil {
		norm = PolicySet{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]AccessCondition(norm)); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the SHA-256 of the canonical encoding.
func (p PolicySet) Hash() (Hash, error) { // A
	b, err := p.Canonical()
	if err != nil {
		return Hash{}, err
	}
	return Hash(sha256.Sum256(b)), nil
}

// Resource names the PolicySet as a capability resource.
func (p PolicySet) Resource() (string, error) { // A
	h, err := p.Hash()
	if err != nil {
		return "", err
	}
	return ResourcePrefix + h.String(), nil
}
