// Package envelope is the transport form of an encrypted payload: the
// ciphertext, the network's binding hash and the policy bound at encryption
// time.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// ContentType is the content-type tag every stored envelope carries.
const ContentType = "application/json"

var ErrMalformed = errors.New("envelope: malformed")

// EncryptedEnvelope is immutable once produced. Changing any field
// invalidates it for decryption.
type EncryptedEnvelope struct {
	Ciphertext string           `json:"cipherText"`
	DataHash   string           `json:"dataToEncryptHash"`
	Policy     policy.PolicySet `json:"accessControlConditions"`
}

type wireEnvelope struct {
	Ciphertext string          `json:"cipherText"`
	DataHash   string          `json:"dataToEncryptHash"`
	Policy     json.RawMessage `json:"accessControlConditions"`
}

// Validate checks the envelope is structurally usable. It cannot check the
// binding; only the network can.
func (e EncryptedEnvelope) Validate() error { // A
	if e.Ciphertext == "" {
		return fmt.Errorf("%w: empty ciphertext", ErrMalformed)
	}
	raw, err := hex.DecodeString(e.DataHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf(
			"%w: data hash %q is not 32 hex bytes", ErrMalformed, e.DataHash,
		)
	}
	if err := policy.Validate(e.Policy); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Marshal returns the canonical encoding. The policy is embedded in its
// canonical form, so equal envelopes encode to equal bytes.
func (e EncryptedEnvelope) Marshal() ([]byte, error) { // A
	if err := e.Validate(); err != nil {
		return nil, err
	}
	pol, err := e.Policy.Canonical()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err = enc.Encode(wireEnvelope{
		Ciphertext: e.Ciphertext,
		DataHash:   e.DataHash,
		Policy:     pol,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Unmarshal decodes and validates an envelope. Unknown fields, trailing
// data and missing fields are rejected.
func Unmarshal(b []byte) (EncryptedEnvelope, error) { // A
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var e EncryptedEnvelope
	if err := dec.Decode(&e); err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return EncryptedEnvelope{}, fmt.Errorf(
			"%w: trailing data after envelope", ErrMalformed,
		)
	}
	if err := e.Validate(); err != nil {
		return EncryptedEnvelope{}, err
	}
	return e, nil
}

// Clone returns a deep copy.
func (e EncryptedEnvelope) Clone() EncryptedEnvelope { // A
	e.Policy = e.Policy.Clone()
	return e
}

// Equal compares envelopes by canonical content.
func (e EncryptedEnvelope) Equal(other EncryptedEnvelope) bool { // A
	if e.Ciphertext != other.Ciphertext || e.DataHash != other.DataHash {
		return false
	}
	a, errA := e.Policy.Hash()
	b, errB := other.Policy.Hash()
	return errA == nil && errB == nil && a.Equal(b)
}
