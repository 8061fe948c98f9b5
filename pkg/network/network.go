// Package network is the boundary to a threshold-cryptography network. The
// transport is opaque; only the logical request/response contract is
// modelled here.
package network

import (
	"context"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// Info describes a connected network.
type Info struct {
	Name          string
	Nodes         int
	Threshold     int
	MaxSessionTTL time.Duration
}

// EncryptRequest asks the network to encrypt Plaintext under Policy.
type EncryptRequest struct {
	Plaintext []byte
	Policy    policy.PolicySet
}

// EncryptResponse carries the ciphertext and the network's binding hash of
// the plaintext.
type EncryptResponse struct {
	Ciphertext string
	DataHash   string
}

// SessionRequest submits a signed challenge for a capability scope.
type SessionRequest struct {
	Challenge challenge.AuthChallenge
	Signature challenge.AuthSignature
	Scope     capability.Scope
}

// DecryptRequest asks for decryption; the network re-evaluates Policy for
// the identity inside Session.
type DecryptRequest struct {
	Ciphertext string
	DataHash   string
	Policy     policy.PolicySet
	Session    *capability.SessionCredentialSet
}

// Client is an explicitly connected handle to a threshold network. A Client
// is not usable before Connect or after Close.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Info() Info

	// FetchNonce returns a fresh, network-issued freshness token.
	FetchNonce(ctx context.Context) (string, error)
	Encrypt(ctx context.Context, req EncryptRequest) (EncryptResponse, error)
	IssueSessionCredentials(
		ctx context.Context,
		req SessionRequest,
	) (*capability.SessionCredentialSet, error)
	Decrypt(ctx context.Context, req DecryptRequest) ([]byte, error)
}
