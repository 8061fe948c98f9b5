package localnet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/network"
)

// clockSkew tolerates wallets whose clocks run slightly ahead.
const clockSkew = time.Minute

// sessionClaims is the payload of one node's session credential.
type sessionClaims struct {
	jwt.RegisteredClaims
	Resource string             `json:"resource"`
	Ability  capability.Ability `json:"ability"`
	Nonce    string             `json:"nonce"`
}

// IssueSessionCredentials verifies a signed challenge and has every online
// node mint a credential for the requested scope. The challenge nonce is
// consumed as soon as the signature verifies.
func (n *Network) IssueSessionCredentials( // A
	ctx context.Context,
	req network.SessionRequest,
) (*capability.SessionCredentialSet, error) {
	const op = "issue session"
	if err := n.ready(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}

	c := req.Challenge
	if err := challenge.VerifyFor(c, req.Signature); err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindInvalidSignature, Err: err,
		}
	}
	if !n.nonces.redeem(c.Nonce) {
		return nil, network.Errorf(
			op, network.KindStaleNonce,
			"nonce unknown, expired or already used",
		)
	}

	now := n.clock.Now()
	if now.Before(c.IssuedAt.Add(-clockSkew)) {
		return nil, network.Errorf(
			op, network.KindStaleNonce, "challenge issued in the future",
		)
	}
	if c.Expired(now) {
		return nil, network.Errorf(
			op, network.KindSessionExpired, "challenge already expired",
		)
	}

	if req.Scope.Wildcard() {
		return nil, network.Errorf(
			op, network.KindScopeMismatch, "wildcard scopes are not issued",
		)
	}
	granted, err := capability.ScopesFromResources(c.Resources)
	if err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindScopeMismatch, Err: err,
		}
	}
	if !slices.Contains(granted, req.Scope) {
		return nil, network.Errorf(
			op, network.KindScopeMismatch,
			"%s not signed for by the wallet", req.Scope,
		)
	}

	expires := c.ExpirationTime
	if limit := now.Add(n.config.MaxSessionTTL); expires.After(limit) {
		expires = limit
	}

	online := n.onlineNodes()
	if len(online) < n.config.Threshold {
		return nil, network.Errorf(
			op, network.KindQuorumNotMet,
			"%d of %d nodes online, need %d",
			len(online), len(n.nodes), n.config.Threshold,
		)
	}

	address := common.HexToAddress(c.Address).Hex()
	set := &capability.SessionCredentialSet{
		Credentials: make(map[string]capability.NodeCredential, len(online)),
		Scope:       req.Scope,
		Address:     address,
		IssuedAt:    now,
		ExpiresAt:   expires,
	}
	for _, nd := range online {
		claims := sessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    nd.id,
				Subject:   address,
				Audience:  jwt.ClaimStrings{n.config.Name},
				ExpiresAt: jwt.NewNumericDate(expires),
				IssuedAt:  jwt.NewNumericDate(now),
				ID:        uuid.NewString(),
			},
			Resource: req.Scope.Resource,
			Ability:  req.Scope.Ability,
			Nonce:    c.Nonce,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).
			SignedString(nd.priv)
		if err != nil {
			return nil, &network.Error{
				Op:   op,
				Kind: network.KindUnavailable,
				Node: nd.id,
				Err:  fmt.Errorf("sign credential: %w", err),
			}
		}
		set.Credentials[nd.id] = capability.NodeCredential{
			NodeID: nd.id,
			Token:  token,
		}
	}

	n.sessionsIssued.Add(1)
	n.log.Info(
		"issued session credentials",
		"address", address,
		"scope", req.Scope.String(),
		"nodes", len(set.Credentials),
		"expires", expires,
	)
	return set, nil
}

var (
	errCredentialExpired = errors.New("credential expired")
	errCredentialInvalid = errors.New("credential invalid")
)

// verifyCredential checks one node's token against the session it claims to
// belong to.
func (n *Network) verifyCredential( // A
	nd *node,
	cred capability.NodeCredential,
	set *capability.SessionCredentialSet,
) error {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(
		cred.Token,
		&claims,
		func(*jwt.Token) (interface{}, error) {
			return nd.pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(nd.id),
		jwt.WithAudience(n.config.Name),
		jwt.WithTimeFunc(n.clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errCredentialExpired
	case err != nil:
		return fmt.Errorf("%w: %v", errCredentialInvalid, err)
	}
	if claims.Subject != set.Address ||
		claims.Resource != set.Scope.Resource ||
		claims.Ability != set.Scope.Ability {
		return fmt.Errorf("%w: claims do not match session", errCredentialInvalid)
	}
	return nil
}
