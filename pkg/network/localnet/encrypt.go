package localnet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/i5heu/ouroboros-seal/pkg/network"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

const (
	bindingTag = "ouroboros-seal/binding/v1"
	keyInfo    = "ouroboros-seal/data-key/v1"
)

var errBadDataHash = errors.New("data hash must be 32 hex-encoded bytes")

// binding ties a ciphertext to exactly one policy and one plaintext digest.
func binding(policyHash policy.Hash, dataHash []byte) []byte { // A
	h := sha256.New()
	h.Write([]byte(bindingTag))
	h.Write(policyHash[:])
	h.Write(dataHash)
	return h.Sum(nil)
}

func (n *Network) dataKey(bind []byte) ([]byte, error) { // A
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, n.master, bind, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}
	return key, nil
}

func decodeDataHash(s string) ([]byte, error) { // A
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != sha256.Size {
		return nil, errBadDataHash
	}
	return raw, nil
}

// admit applies the network's own acceptance rules, which are stricter than
// local validation.
func (n *Network) admit(op string, p policy.PolicySet) error { // A
	if err := policy.Validate(p); err != nil {
		return &network.Error{
			Op: op, Kind: network.KindPolicyRejected, Err: err,
		}
	}
	if len(p) > n.config.MaxConditions {
		return network.Errorf(
			op, network.KindPolicyRejected,
			"%d conditions exceed limit %d", len(p), n.config.MaxConditions,
		)
	}
	for i, c := range p {
		if !n.chain.Supports(c.Chain) {
			return network.Errorf(
				op, network.KindPolicyRejected,
				"condition %d: chain %q not served", i, c.Chain,
			)
		}
	}
	return nil
}

// Encrypt seals req.Plaintext under a key derived from the policy and the
// plaintext digest.
func (n *Network) Encrypt( // A
	ctx context.Context,
	req network.EncryptRequest,
) (network.EncryptResponse, error) {
	const op = "encrypt"
	if err := n.ready(op); err != nil {
		return network.EncryptResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return network.EncryptResponse{}, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	if err := n.admit(op, req.Policy); err != nil {
		return network.EncryptResponse{}, err
	}
	if online := len(n.onlineNodes()); online < n.config.Threshold {
		return network.EncryptResponse{}, network.Errorf(
			op, network.KindUnavailable,
			"%d of %d nodes online, need %d",
			online, len(n.nodes), n.config.Threshold,
		)
	}

	policyHash, err := req.Policy.Hash()
	if err != nil {
		return network.EncryptResponse{}, &network.Error{
			Op: op, Kind: network.KindPolicyRejected, Err: err,
		}
	}
	digest := sha256.Sum256(req.Plaintext)
	bind := binding(policyHash, digest[:])

	key, err := n.dataKey(bind)
	if err != nil {
		return network.EncryptResponse{}, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return network.EncryptResponse{}, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}

	nonce := make(
		[]byte,
		aead.NonceSize(),
		aead.NonceSize()+len(req.Plaintext)+aead.Overhead(),
	)
	if _, err := rand.Read(nonce); err != nil {
		return network.EncryptResponse{}, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	sealed := aead.Seal(nonce, nonce, req.Plaintext, bind)

	n.encryptions.Add(1)
	n.log.Debug(
		"encrypted payload",
		"policy", policyHash.String(),
		"bytes", len(req.Plaintext),
	)
	return network.EncryptResponse{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		DataHash:   hex.EncodeToString(digest[:]),
	}, nil
}

// open reverses Encrypt. Any mismatch between ciphertext, data hash and
// policy fails authentication.
func (n *Network) open( // A
	ciphertext string,
	dataHash string,
	p policy.PolicySet,
) ([]byte, error) {
	digest, err := decodeDataHash(dataHash)
	if err != nil {
		return nil, err
	}
	policyHash, err := p.Hash()
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	bind := binding(policyHash, digest)
	key, err := n.dataKey(bind)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, bind)
	if err != nil {
		return nil, errors.New("ciphertext not bound to this policy and data hash")
	}
	if got := sha256.Sum256(plain); subtle.ConstantTimeCompare(got[:], digest) != 1 {
		return nil, errors.New("plaintext digest mismatch")
	}
	return plain, nil
}
