package gateway

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/network"
)

// Validation errors, raised before any network call.
var (
	ErrInvalidPolicy   = errors.New("gateway: invalid policy")
	ErrInvalidEnvelope = errors.New("gateway: invalid envelope")
	ErrNoSession       = errors.New("gateway: no session credentials")
)

// Outcomes reported by the network. ErrPolicyNotSatisfied is a correct
// denial, not a fault.
var (
	ErrNetworkUnavailable = errors.New("gateway: network unavailable")
	ErrPolicyRejected     = errors.New("gateway: policy rejected by network")
	ErrPolicyNotSatisfied = errors.New("gateway: policy not satisfied")
	ErrSessionExpired     = errors.New("gateway: session expired")
	ErrScopeMismatch      = errors.New("gateway: session scope mismatch")
	ErrQuorumNotMet       = errors.New("gateway: quorum not met")
	ErrBindingMismatch    = errors.New("gateway: ciphertext not bound to policy")
	ErrInvalidCredentials = errors.New("gateway: session credentials rejected")
)

// mapNetworkError tags err with the gateway sentinel of its kind while
// keeping the network error in the chain.
func mapNetworkError(op string, err error) error { // A
	var sentinel error
	switch network.KindOf(err) {
	case network.KindPolicyRejected:
		sentinel = ErrPolicyRejected
	case network.KindPolicyNotSatisfied:
		sentinel = ErrPolicyNotSatisfied
	case network.KindSessionExpired:
		sentinel = ErrSessionExpired
	case network.KindScopeMismatch:
		sentinel = ErrScopeMismatch
	case network.KindQuorumNotMet:
		sentinel = ErrQuorumNotMet
	case network.KindBindingMismatch:
		sentinel = ErrBindingMismatch
	case network.KindInvalidSignature, network.KindStaleNonce:
		sentinel = ErrInvalidCredentials
	default:
		sentinel = ErrNetworkUnavailable
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

// mapCheckError maps a local session check failure.
func mapCheckError(err error) error { // A
	switch {
	case errors.Is(err, capability.ErrSessionExpired):
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	case errors.Is(err, capability.ErrScopeMismatch):
		return fmt.Errorf("%w: %w", ErrScopeMismatch, err)
	default:
		return fmt.Errorf("%w: %w", ErrNoSession, err)
	}
}
