// Package capability describes what a session credential authorises and the
// time-boxed credential set a threshold network issues for it.
package capability

import (
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// Ability is an operation a session may perform on a resource.
type Ability string

const (
	// AbilityDecrypt allows requesting decryption of ciphertexts bound to
	// the resource's access-control policy.
	AbilityDecrypt Ability = "access-control-condition-decryption"
)

// WildcardResource matches every resource. Sessions are never requested
// for it.
const WildcardResource = "*"

var (
	ErrSessionExpired = errors.New("capability: session expired")
	ErrScopeMismatch  = errors.New("capability: scope does not cover operation")
	ErrNoCredentials  = errors.New("capability: no node credentials")
)

// Scope is one resource/ability pair.
type Scope struct {
	Resource string  `json:"resource"`
	Ability  Ability `json:"ability"`
}

// DecryptScope returns the narrowest scope that allows decrypting
// ciphertexts bound to p.
func DecryptScope(p policy.PolicySet) (Scope, error) { // A
	res, err := p.Resource()
	if err != nil {
		return Scope{}, err
	}
	return Scope{Resource: res, Ability: AbilityDecrypt}, nil
}

// Wildcard reports whether the scope names every resource.
func (s Scope) Wildcard() bool { // A
	return s.Resource == WildcardResource
}

// Covers reports whether s grants at least what required needs.
func (s Scope) Covers(required Scope) bool { // A
	if s.Ability != required.Ability {
		return false
	}
	return s.Resource == WildcardResource ||
		s.Resource == required.Resource
}

// Key is the cache key component of the scope.
func (s Scope) Key() string { // A
	return string(s.Ability) + "|" + s.Resource
}

func (s Scope) String() string { // A
	return fmt.Sprintf("%s on %s", s.Ability, s.Resource)
}

// NodeCredential is a credential minted by one network node.
type NodeCredential struct {
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

// SessionCredentialSet is a time-boxed capability grant for one wallet
// address. It lives in memory only.
type SessionCredentialSet struct {
	Credentials map[string]NodeCredential `json:"credentials"`
	Scope       Scope                     `json:"scope"`
	Address     string                    `json:"address"`
	IssuedAt    time.Time                 `json:"issuedAt"`
	ExpiresAt   time.Time                 `json:"expiresAt"`
}

// Expired reports whether the set is unusable at now.
func (s *SessionCredentialSet) Expired(now time.Time) bool { // A
	return !now.Before(s.ExpiresAt)
}

// Check verifies the set may be used at now for an operation that needs
// required.
func (s *SessionCredentialSet) Check( // A
	now time.Time,
	required Scope,
) error {
	if s == nil || len(s.Credentials) == 0 {
		return ErrNoCredentials
	}
	if s.Expired(now) {
		return fmt.Errorf(
			"%w: expired at %s",
			ErrSessionExpired, s.ExpiresAt.UTC().Format(time.RFC3339),
		)
	}
	if !s.Scope.Covers(required) {
		return fmt.Errorf(
			"%w: have %s, need %s",
			ErrScopeMismatch, s.Scope, required,
		)
	}
	return nil
}

// Clone returns a copy whose credential map is not shared.
func (s *SessionCredentialSet) Clone() *SessionCredentialSet { // A
	if s == nil {
		return nil
	}
	out := *s
	out.Credentials = make(map[string]NodeCredential, len(s.Credentials))
	for k, v := range s.Credentials {
		out.Credentials[k] = v
	}
	return &out
}
