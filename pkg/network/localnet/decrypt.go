package localnet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/network"
)

// Decrypt releases the plaintext when a quorum of nodes accepts the session
// credentials, the ciphertext is bound to req.Policy, and the policy holds
// for the session's address right now.
func (n *Network) Decrypt( // A
	ctx context.Context,
	req network.DecryptRequest,
) ([]byte, error) {
	const op = "decrypt"
	if err := n.ready(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	if err := n.admit(op, req.Policy); err != nil {
		return nil, err
	}

	required, err := capability.DecryptScope(req.Policy)
	if err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindPolicyRejected, Err: err,
		}
	}
	now := n.clock.Now()
	if err := req.Session.Check(now, required); err != nil {
		return nil, &network.Error{Op: op, Kind: checkKind(err), Err: err}
	}

	if err := n.approve(op, req.Session); err != nil {
		return nil, err
	}

	plain, err := n.open(req.Ciphertext, req.DataHash, req.Policy)
	if err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindBindingMismatch, Err: err,
		}
	}

	ok, err := n.evaluate(
		ctx, req.Policy, common.HexToAddress(req.Session.Address),
	)
	if err != nil {
		return nil, &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	if !ok {
		clear(plain)
		return nil, network.Errorf(
			op, network.KindPolicyNotSatisfied,
			"conditions do not hold for %s", req.Session.Address,
		)
	}

	n.decryptions.Add(1)
	n.log.Debug(
		"released plaintext",
		"address", req.Session.Address,
		"scope", required.String(),
	)
	return plain, nil
}

func checkKind(err error) network.Kind { // A
	switch {
	case errors.Is(err, capability.ErrSessionExpired):
		return network.KindSessionExpired
	case errors.Is(err, capability.ErrScopeMismatch):
		return network.KindScopeMismatch
	default:
		return network.KindQuorumNotMet
	}
}

// approve counts online nodes that accept their own credential. Expired
// tokens are reported as such so callers can renegotiate.
func (n *Network) approve( // A
	op string,
	set *capability.SessionCredentialSet,
) error {
	var (
		approvals int
		expired   int
		lastErr   error
	)
	for _, nd := range n.onlineNodes() {
		cred, ok := set.Credentials[nd.id]
		if !ok {
			continue
		}
		err := n.verifyCredential(nd, cred, set)
		switch {
		case err == nil:
			approvals++
		case errors.Is(err, errCredentialExpired):
			expired++
		default:
			lastErr = err
			n.log.Warn(
				"node rejected credential",
				"node", nd.id,
				"error", err,
			)
		}
	}
	if approvals >= n.config.Threshold {
		return nil
	}
	if expired > 0 {
		return network.Errorf(
			op, network.KindSessionExpired,
			"%d node credentials expired", expired,
		)
	}
	if lastErr != nil && approvals == 0 {
		return &network.Error{
			Op: op, Kind: network.KindInvalidSignature, Err: lastErr,
		}
	}
	return network.Errorf(
		op, network.KindQuorumNotMet,
		"%d approvals, need %d", approvals, n.config.Threshold,
	)
}
