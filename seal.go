// Package seal stores data on a content-addressed store so that only
// wallets satisfying an on-chain access policy can read it back. Plaintext
// is encrypted by a threshold network bound to the policy; reading requires
// session credentials the network issues against a signed challenge.
package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/gateway"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

var (
	ErrNotStarted = errors.New("seal: pipeline not started")
	ErrClosed     = errors.New("seal: pipeline closed")
	ErrNoStore    = errors.New("seal: no content store configured")
)

// Pipeline runs the encrypt, store, fetch and decrypt flow. Steps within
// one call are sequential; independent calls may run concurrently and
// share only the session cache.
type Pipeline struct {
	log    *slog.Logger
	config Config

	enc      *gateway.Encryptor
	dec      *gateway.Decryptor
	sessions *session.Manager
	store    contentstore.Store

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New wires the components. It does no I/O; call Start to connect.
func New(conf Config) (*Pipeline, error) { // A
	if conf.Network == nil {
		return nil, errors.New("seal: network client is required")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.PurgeInterval == 0 {
		conf.PurgeInterval = DefaultPurgeInterval
	}
	conf.Clock = clock.Or(conf.Clock)

	sc := conf.Session
	if sc.Logger == nil {
		sc.Logger = conf.Logger
	}
	if sc.Metrics == nil {
		sc.Metrics = conf.Metrics
	}
	if sc.Clock == nil {
		sc.Clock = conf.Clock
	}
	sessions, err := session.New(conf.Network, sc)
	if err != nil {
		return nil, err
	}

	opts := gateway.Options{
		Logger:  conf.Logger,
		Metrics: conf.Metrics,
		Clock:   conf.Clock,
	}
	p := &Pipeline{
		log:      conf.Logger,
		config:   conf,
		enc:      gateway.NewEncryptor(conf.Network, opts),
		dec:      gateway.NewDecryptor(conf.Network, opts),
		sessions: sessions,
	}
	if conf.Store != nil {
		p.store = contentstore.Instrument(conf.Store, conf.Metrics, conf.Logger)
	}
	return p, nil
}

// Start connects the network. Only the first call has effect.
func (p *Pipeline) Start(ctx context.Context) error { // A
	var startErr error
	p.startOnce.Do(func() {
		if p.closed.Load() {
			startErr = ErrClosed
			return
		}
		if err := p.config.Network.Connect(ctx); err != nil {
			startErr = fmt.Errorf("connect network: %w", err)
			return
		}
		info := p.config.Network.Info()
		p.started.Store(true)
		p.log.Info("pipeline started",
			"network", info.Name,
			"nodes", info.Nodes,
			"threshold", info.Threshold,
			"store", p.store != nil,
		)
	})
	return startErr
}

// Run starts the pipeline, purges expired sessions until ctx is canceled,
// then shuts down.
func (p *Pipeline) Run(ctx context.Context) error { // A
	if err := p.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(p.config.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return p.Close(shutdownCtx)
		case <-ticker.C:
			if n := p.sessions.Purge(); n > 0 {
				p.log.Debug("purged expired sessions", "count", n)
			}
		}
	}
}

// Close disconnects the network and drops cached sessions. It is
// idempotent. The content store is left open; it belongs to the caller.
func (p *Pipeline) Close(ctx context.Context) error { // A
	var closeErr error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.started.Store(false)
		p.sessions.Clear()
		if err := p.config.Network.Close(); err != nil {
			closeErr = fmt.Errorf("close network: %w", err)
		}
		p.log.Info("pipeline closed")
	})
	return closeErr
}

// Ready reports whether the pipeline is started and not closed.
func (p *Pipeline) Ready() error { // A
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Sessions exposes the session manager, e.g. for Purge or Invalidate.
func (p *Pipeline) Sessions() *session.Manager { // A
	return p.sessions
}

// Encrypt seals plaintext under pol without storing it.
func (p *Pipeline) Encrypt( // A
	ctx context.Context,
	plaintext []byte,
	pol policy.PolicySet,
) (envelope.EncryptedEnvelope, error) {
	if err := p.Ready(); err != nil {
		return envelope.EncryptedEnvelope{}, err
	}
	return p.enc.Encrypt(ctx, plaintext, pol)
}

// Decrypt obtains a session for env's policy from signer and asks the
// network to decrypt. An expired session is dropped from the cache and the
// error returned; the caller decides whether to retry.
func (p *Pipeline) Decrypt( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	signer challenge.Signer,
) ([]byte, error) {
	if err := p.Ready(); err != nil {
		return nil, err
	}
	scope, err := gateway.RequiredScope(env)
	if err != nil {
		return nil, err
	}
	set, err := p.sessions.GetSession(ctx, scope, signer)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	plain, err := p.dec.Decrypt(ctx, env, set)
	if errors.Is(err, gateway.ErrSessionExpired) {
		p.invalidate(scope, set)
	}
	return plain, err
}

func (p *Pipeline) invalidate( // A
	scope capability.Scope,
	set *capability.SessionCredentialSet,
) {
	if !common.IsHexAddress(set.Address) {
		return
	}
	addr := common.HexToAddress(set.Address)
	p.sessions.Invalidate(scope, addr)
	p.log.Info("dropped expired session", "scope", scope.String(), "address", addr.Hex())
}

// Seal encrypts plaintext under pol and uploads the envelope.
func (p *Pipeline) Seal( // A
	ctx context.Context,
	plaintext []byte,
	pol policy.PolicySet,
	tags ...contentstore.Tag,
) (contentstore.ContentID, envelope.EncryptedEnvelope, error) {
	if p.store == nil {
		return "", envelope.EncryptedEnvelope{}, ErrNoStore
	}
	env, err := p.Encrypt(ctx, plaintext, pol)
	if err != nil {
		return "", envelope.EncryptedEnvelope{}, err
	}
	id, err := p.store.Upload(ctx, env, tags...)
	if err != nil {
		return "", envelope.EncryptedEnvelope{}, fmt.Errorf("upload: %w", err)
	}
	return id, env, nil
}

// Open downloads id and decrypts it for signer. The policy evaluated is
// the one stored with the ciphertext.
func (p *Pipeline) Open( // A
	ctx context.Context,
	id contentstore.ContentID,
	signer challenge.Signer,
) ([]byte, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	if err := p.Ready(); err != nil {
		return nil, err
	}
	rec, err := p.store.Download(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return p.Decrypt(ctx, rec.Envelope, signer)
}

// URL is where id can be fetched from the store.
func (p *Pipeline) URL(id contentstore.ContentID) (string, error) { // A
	if p.store == nil {
		return "", ErrNoStore
	}
	return p.store.URL(id), nil
}
