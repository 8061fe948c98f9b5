package network

import (
	"errors"
	"fmt"
)

// Kind classifies a network failure so callers can tell a denial from an
// outage.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnavailable
	KindQuorumNotMet
	KindPolicyRejected
	KindPolicyNotSatisfied
	KindSessionExpired
	KindScopeMismatch
	KindBindingMismatch
	KindInvalidSignature
	KindStaleNonce
	KindNotConnected
)

func (k Kind) String() string { // A
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindQuorumNotMet:
		return "quorum not met"
	case KindPolicyRejected:
		return "policy rejected"
	case KindPolicyNotSatisfied:
		return "policy not satisfied"
	case KindSessionExpired:
		return "session expired"
	case KindScopeMismatch:
		return "scope mismatch"
	case KindBindingMismatch:
		return "binding mismatch"
	case KindInvalidSignature:
		return "invalid signature"
	case KindStaleNonce:
		return "stale nonce"
	case KindNotConnected:
		return "not connected"
	default:
		return "unknown"
	}
}

// Sentinels, one per kind, for errors.Is.
var (
	ErrUnavailable        = errors.New("network: unavailable")
	ErrQuorumNotMet       = errors.New("network: quorum not met")
	ErrPolicyRejected     = errors.New("network: policy rejected")
	ErrPolicyNotSatisfied = errors.New("network: policy not satisfied")
	ErrSessionExpired     = errors.New("network: session expired")
	ErrScopeMismatch      = errors.New("network: scope mismatch")
	ErrBindingMismatch    = errors.New("network: binding mismatch")
	ErrInvalidSignature   = errors.New("network: invalid signature")
	ErrStaleNonce         = errors.New("network: stale nonce")
	ErrNotConnected       = errors.New("network: not connected")
)

var sentinels = map[Kind]error{
	KindUnavailable:        ErrUnavailable,
	KindQuorumNotMet:       ErrQuorumNotMet,
	KindPolicyRejected:     ErrPolicyRejected,
	KindPolicyNotSatisfied: ErrPolicyNotSatisfied,
	KindSessionExpired:     ErrSessionExpired,
	KindScopeMismatch:      ErrScopeMismatch,
	KindBindingMismatch:    ErrBindingMismatch,
	KindInvalidSignature:   ErrInvalidSignature,
	KindStaleNonce:         ErrStaleNonce,
	KindNotConnected:       ErrNotConnected,
}

// Error is returned by Client implementations.
type Error struct {
	Op   string
	Kind Kind
	Node string
	Err  error
}

// Errorf builds an *Error with a formatted cause.
func Errorf(op string, kind Kind, format string, args ...any) *Error { // A
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { // A
	msg := e.Op + ": " + e.Kind.String()
	if e.Node != "" {
		msg += " (node " + e.Node + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { // A
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool { // A
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind { // A
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}
