// Package gateway encrypts plaintext under an access-control policy and
// requests decryption with session credentials, both through a threshold
// network. Every call is all-or-nothing: on error no partial ciphertext or
// plaintext is returned.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
	"github.com/i5heu/ouroboros-seal/pkg/network"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// Options are shared by Encryptor and Decryptor.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

func (o Options) withDefaults() Options { // A
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	o.Clock = clock.Or(o.Clock)
	return o
}

// Encryptor turns plaintext plus policy into an EncryptedEnvelope.
type Encryptor struct {
	net  network.Client
	opts Options
}

// NewEncryptor returns an Encryptor using net.
func NewEncryptor(net network.Client, opts Options) *Encryptor { // A
	return &Encryptor{net: net, opts: opts.withDefaults()}
}

// Encrypt validates p locally, then has the network encrypt plaintext
// under it. The plaintext is not retained.
func (e *Encryptor) Encrypt( // A
	ctx context.Context,
	plaintext []byte,
	p policy.PolicySet,
) (env envelope.EncryptedEnvelope, err error) {
	start := time.Now()
	defer func() { e.opts.Metrics.ObserveGateway("encrypt", start, err) }()

	if err := policy.Validate(p); err != nil {
		return envelope.EncryptedEnvelope{}, fmt.Errorf(
			"%w: %w", ErrInvalidPolicy, err,
		)
	}
	bound := p.Clone()

	resp, err := e.net.Encrypt(ctx, network.EncryptRequest{
		Plaintext: plaintext,
		Policy:    bound,
	})
	if err != nil {
		e.opts.Logger.Warn("encrypt failed", "error", err)
		return envelope.EncryptedEnvelope{}, mapNetworkError("encrypt", err)
	}

	env = envelope.EncryptedEnvelope{
		Ciphertext: resp.Ciphertext,
		DataHash:   resp.DataHash,
		Policy:     bound,
	}
	if err := env.Validate(); err != nil {
		return envelope.EncryptedEnvelope{}, fmt.Errorf(
			"encrypt: %w: bad network response: %w",
			ErrNetworkUnavailable, err,
		)
	}
	e.opts.Logger.Debug(
		"encrypted",
		"dataHash", env.DataHash,
		"conditions", len(env.Policy),
	)
	return env, nil
}

// EncryptString is Encrypt for text.
func (e *Encryptor) EncryptString( // A
	ctx context.Context,
	plaintext string,
	p policy.PolicySet,
) (envelope.EncryptedEnvelope, error) {
	return e.Encrypt(ctx, []byte(plaintext), p)
}

// Decryptor requests decryption of envelopes.
type Decryptor struct {
	net  network.Client
	opts Options
}

// NewDecryptor returns a Decryptor using net.
func NewDecryptor(net network.Client, opts Options) *Decryptor { // A
	return &Decryptor{net: net, opts: opts.withDefaults()}
}

// RequiredScope is the session scope needed to decrypt env.
func RequiredScope(env envelope.EncryptedEnvelope) (capability.Scope, error) { // A
	s, err := capability.DecryptScope(env.Policy)
	if err != nil {
		return capability.Scope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return s, nil
}

// Decrypt checks the envelope and session locally, then asks the network to
// release the plaintext. The network evaluates the policy for the identity
// in the session at call time.
func (d *Decryptor) Decrypt( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	session *capability.SessionCredentialSet,
) (plain []byte, err error) {
	start := time.Now()
	defer func() { d.opts.Metrics.ObserveGateway("decrypt", start, err) }()

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if session == nil {
		return nil, ErrNoSession
	}
	required, err := RequiredScope(env)
	if err != nil {
		return nil, err
	}
	if err := session.Check(d.opts.Clock.Now(), required); err != nil {
		return nil, mapCheckError(err)
	}

	plain, err = d.net.Decrypt(ctx, network.DecryptRequest{
		Ciphertext: env.Ciphertext,
		DataHash:   env.DataHash,
		Policy:     env.Policy.Clone(),
		Session:    session,
	})
	if err != nil {
		level := slog.LevelWarn
		if network.KindOf(err) == network.KindPolicyNotSatisfied {
			level = slog.LevelInfo
		}
		d.opts.Logger.Log(ctx, level, "decrypt refused",
			"address", session.Address,
			"error", err,
		)
		return nil, mapNetworkError("decrypt", err)
	}
	d.opts.Logger.Debug(
		"decrypted",
		"address", session.Address,
		"dataHash", env.DataHash,
	)
	return plain, nil
}

// DecryptToString is Decrypt for text.
func (d *Decryptor) DecryptToString( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	session *capability.SessionCredentialSet,
) (string, error) {
	b, err := d.Decrypt(ctx, env, session)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
