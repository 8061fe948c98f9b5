// Package session negotiates short-lived, capability-scoped session
// credentials from a threshold network and caches them in memory.
//
// Negotiation is an explicit two step protocol: RequestChallenge fetches a
// fresh nonce and builds the challenge, the caller has it signed, and
// Complete submits the signature. GetSession runs both steps with a
// challenge.Signer and coalesces concurrent callers for the same key.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
	"github.com/i5heu/ouroboros-seal/pkg/network"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

// Defaults for Config fields left zero.
const (
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultRefreshMargin   = time.Minute
	DefaultNonceRetryDelay = 250 * time.Millisecond
)

var (
	ErrOverbroadScope    = errors.New("session: scope broader than one policy")
	ErrInvalidScope      = errors.New("session: invalid scope")
	ErrTTLExceedsMaximum = errors.New("session: ttl exceeds network maximum")
	ErrNonceFetchFailed  = errors.New("session: nonce fetch failed")
	ErrQuorumNotMet      = errors.New("session: quorum not met")
)

// Config configures a Manager. Challenge fields default to the challenge
// package defaults.
type Config struct {
	TTL             time.Duration
	RefreshMargin   time.Duration
	NonceRetryDelay time.Duration

	Domain    string
	URI       string
	Statement string
	ChainID   uint64

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pending is a challenge waiting for a signature.
type Pending struct {
	Challenge challenge.AuthChallenge
	Scope     capability.Scope
}

// Manager negotiates and caches session credentials. It is safe for
// concurrent use.
type Manager struct {
	net    network.Client
	config Config
	clock  clock.Clock
	log    *slog.Logger

	cache cmap.ConcurrentMap[string, *capability.SessionCredentialSet]
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared negotiation runs on. It is cancelled once
// the last waiter has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New returns a Manager negotiating against net.
func New(net network.Client, conf Config) (*Manager, error) { // A
	if net == nil {
		return nil, errors.New("session: nil network client")
	}
	if conf.TTL == 0 {
		conf.TTL = DefaultTTL
	}
	if conf.RefreshMargin == 0 {
		conf.RefreshMargin = DefaultRefreshMargin
	}
	if conf.NonceRetryDelay == 0 {
		conf.NonceRetryDelay = DefaultNonceRetryDelay
	}
	if conf.Domain == "" {
		conf.Domain = challenge.DefaultDomain
	}
	if conf.URI == "" {
		conf.URI = challenge.DefaultURI
	}
	if conf.Statement == "" {
		conf.Statement = challenge.DefaultStatement
	}
	if conf.ChainID == 0 {
		conf.ChainID = challenge.DefaultChainID
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.TTL < 0 || conf.RefreshMargin < 0 || conf.NonceRetryDelay < 0 {
		return nil, errors.New("session: negative duration in config")
	}

	return &Manager{
		net:     net,
		config:  conf,
		clock:   clock.Or(conf.Clock),
		log:     conf.Logger,
		cache:   cmap.New[*capability.SessionCredentialSet](),
		flights: make(map[string]*flight),
	}, nil
}

func cacheKey(scope capability.Scope, address common.Address) string { // A
	return scope.Key() + "|" + address.Hex()
}

func checkScope(scope capability.Scope) error { // A
	if scope.Wildcard() {
		return fmt.Errorf("%w: %s", ErrOverbroadScope, scope)
	}
	if scope.Ability == "" || scope.Resource == "" {
		return fmt.Errorf("%w: empty resource or ability", ErrInvalidScope)
	}
	if !strings.HasPrefix(scope.Resource, policy.ResourcePrefix) {
		return fmt.Errorf(
			"%w: resource %q is not a policy", ErrOverbroadScope, scope.Resource,
		)
	}
	return nil
}

// fetchNonce asks the network for a nonce, retrying once if the network
// reported itself unavailable.
func (m *Manager) fetchNonce(ctx context.Context) (string, error) { // A
	var (
		nonce    string
		attempts int
	)
	op := func() error {
		attempts++
		n, err := m.net.FetchNonce(ctx)
		if err == nil {
			nonce = n
			return nil
		}
		if ctx.Err() != nil ||
			network.KindOf(err) != network.KindUnavailable {
			return backoff.Permanent(err)
		}
		m.log.Warn("nonce fetch failed", "attempt", attempts, "error", err)
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(m.config.NonceRetryDelay), 1,
		),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNonceFetchFailed, err)
	}
	return nonce, nil
}

// RequestChallenge starts a negotiation for scope on behalf of address.
func (m *Manager) RequestChallenge( // A
	ctx context.Context,
	scope capability.Scope,
	address common.Address,
) (*Pending, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if limit := m.net.Info().MaxSessionTTL; limit > 0 && m.config.TTL > limit {
		return nil, fmt.Errorf(
			"%w: %s > %s", ErrTTLExceedsMaximum, m.config.TTL, limit,
		)
	}
	urn, err := capability.RecapURN(scope)
	if err != nil {
		return nil, err
	}

	nonce, err := m.fetchNonce(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	c := challenge.AuthChallenge{
		Domain:         m.config.Domain,
		Address:        address.Hex(),
		Statement:      m.config.Statement,
		URI:            m.config.URI,
		Version:        challenge.DefaultVersion,
		ChainID:        m.config.ChainID,
		Nonce:          nonce,
		IssuedAt:       now,
		ExpirationTime: now.Add(m.config.TTL),
		Resources:      []string{urn},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Pending{Challenge: c, Scope: scope}, nil
}

// Complete submits a signed challenge and caches the resulting credentials.
func (m *Manager) Complete( // A
	ctx context.Context,
	p *Pending,
	sig challenge.AuthSignature,
) (*capability.SessionCredentialSet, error) {
	if p == nil {
		return nil, errors.New("session: nil pending challenge")
	}
	set, err := m.net.IssueSessionCredentials(ctx, network.SessionRequest{
		Challenge: p.Challenge,
		Signature: sig,
		Scope:     p.Scope,
	})
	if err != nil {
		if network.KindOf(err) == network.KindQuorumNotMet {
			return nil, fmt.Errorf("%w: %w", ErrQuorumNotMet, err)
		}
		return nil, fmt.Errorf("issue session: %w", err)
	}
	if need := m.net.Info().Threshold; len(set.Credentials) < need {
		return nil, fmt.Errorf(
			"%w: %d credentials, need %d",
			ErrQuorumNotMet, len(set.Credentials), need,
		)
	}
	if !set.Scope.Covers(p.Scope) || set.Scope.Wildcard() {
		return nil, fmt.Errorf(
			"%w: network returned %s", capability.ErrScopeMismatch, set.Scope,
		)
	}

	address := common.HexToAddress(p.Challenge.Address)
	m.cache.Set(cacheKey(p.Scope, address), set.Clone())
	m.log.Info(
		"session negotiated",
		"address", address.Hex(),
		"scope", p.Scope.String(),
		"credentials", len(set.Credentials),
		"expires", set.ExpiresAt,
	)
	return set, nil
}

// Cached returns a usable cached session, if any.
func (m *Manager) Cached(
	scope capability.Scope,
	address common.Address,
) (*capability.SessionCredentialSet, bool) {
	set, ok := m.cache.Get(cacheKey(scope, address))
	if !ok {
		return nil, false
	}
	if set.Expired(m.clock.Now().Add(m.config.RefreshMargin)) {
		return nil, false
	}
	return set.Clone(), true
}

// GetSession returns cached credentials for (scope, signer) or negotiates
// new ones. Concurrent calls for the same key share one negotiation and so
// one signing prompt. Calls for different keys never wait on each other.
func (m *Manager) GetSession( // A
	ctx context.Context,
	scope capability.Scope,
	signer challenge.Signer,
) (*capability.SessionCredentialSet, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	address, err := signer.Address(ctx)
	if err != nil {
		return nil, &challenge.SigningError{Err: err}
	}
	if set, ok := m.Cached(scope, address); ok {
		return set, nil
	}

	key := cacheKey(scope, address)
	for {
		set, retry, err := m.await(ctx, key, scope, address, signer)
		if !retry {
			return set, err
		}
	}
}

func (m *Manager) join(ctx context.Context, key string) *flight { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

func (m *Manager) leave(key string, f *flight) { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
	}
}

// await waits for the shared negotiation of key or for ctx, whichever ends
// first. retry is set when a negotiation started by other callers was
// cancelled because they all left while ctx is still live.
func (m *Manager) await( // A
	ctx context.Context,
	key string,
	scope capability.Scope,
	address common.Address,
	signer challenge.Signer,
) (*capability.SessionCredentialSet, bool, error) {
	f := m.join(ctx, key)
	defer m.leave(key, f)

	started := false
	ch := m.group.DoChan(key, func() (interface{}, error) {
		started = true
		if set, ok := m.Cached(scope, address); ok {
			return set, nil
		}
		set, err := m.negotiate(f.ctx, scope, address, signer)
		m.config.Metrics.SessionNegotiated(err)
		return set, err
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			abandoned := errors.Is(res.Err, context.Canceled) ||
				errors.Is(res.Err, context.DeadlineExceeded)
			if abandoned && !started && ctx.Err() == nil {
				return nil, true, nil
			}
			return nil, false, res.Err
		}
		if res.Shared {
			m.log.Debug("joined in-flight negotiation", "scope", scope.String())
		}
		return res.Val.(*capability.SessionCredentialSet).Clone(), false, nil
	}
}

func (m *Manager) negotiate( // A
	ctx context.Context,
	scope capability.Scope,
	address common.Address,
	signer challenge.Signer,
) (*capability.SessionCredentialSet, error) {
	p, err := m.RequestChallenge(ctx, scope, address)
	if err != nil {
		return nil, err
	}
	sig, err := challenge.Sign(ctx, p.Challenge, signer)
	if err != nil {
		return nil, err
	}
	return m.Complete(ctx, p, sig)
}

// Invalidate drops the cached session for (scope, address).
func (m *Manager) Invalidate(scope capability.Scope, address common.Address) { // A
	m.cache.Remove(cacheKey(scope, address))
}

// Purge drops expired sessions and returns how many were removed.
func (m *Manager) Purge() int {
	now := m.clock.Now()
	removed := 0
	for _, key := range m.cache.Keys() {
		m.cache.RemoveCb(key, func(
			_ string,
			set *capability.SessionCredentialSet,
			exists bool,
		) bool {
			if exists && set.Expired(now) {
				removed++
				return true
			}
			return false
		})
	}
	return removed
}

// Clear drops every cached session.
func (m *Manager) Clear() {
	m.cache.Clear()
}

// Len reports how many sessions are cached.
func (m *Manager) Len() int { // A
	return m.cache.Count()
}
