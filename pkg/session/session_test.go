package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-seal/internal/testutil"
	"github.com/i5heu/ouroboros-seal/pkg/capability"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/network"
	"github.com/i5heu/ouroboros-seal/pkg/network/localnet"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

var testStart = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// promptSigner counts signing prompts and optionally holds each one until
// release is closed.
type promptSigner struct {
	wallet  *challenge.LocalWallet
	prompts atomic.Int32
	release chan struct{}
}

func newPromptSigner(t *testing.T, gated bool) *promptSigner { // A
	t.Helper()
	w, err := challenge.NewLocalWallet()
	require.NoError(t, err)
	s := &promptSigner{wallet: w}
	if gated {
		s.release = make(chan struct{})
	}
	return s
}

func (s *promptSigner) Address(ctx context.Context) (common.Address, error) { // A
	return s.wallet.Address(ctx)
}

func (s *promptSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) { // A
	s.prompts.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.wallet.SignMessage(ctx, msg)
}

type refusingSigner struct {
	addr common.Address
}

func (r refusingSigner) Address(context.Context) (common.Address, error) { // A
	return r.addr, nil
}

func (refusingSigner) SignMessage(context.Context, []byte) ([]byte, error) { // A
	return nil, errors.New("user rejected the request")
}

type fixture struct {
	net   *localnet.Network
	clock *clock.Fake
	mgr   *Manager
}

func newFixture(t *testing.T, netConf localnet.Config, conf Config) *fixture { // A
	t.Helper()
	f := &fixture{clock: clock.NewFake(testStart)}
	netConf.Clock = f.clock
	netConf.Logger = testutil.Logger()
	n, err := localnet.New(netConf)
	require.NoError(t, err)
	require.NoError(t, n.Connect(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	f.net = n

	conf.Clock = f.clock
	conf.Logger = testutil.Logger()
	if conf.NonceRetryDelay == 0 {
		conf.NonceRetryDelay = time.Millisecond
	}
	f.mgr, err = New(n, conf)
	require.NoError(t, err)
	return f
}

func scopeFor(t *testing.T, minWei string) capability.Scope { // A
	t.Helper()
	p, err := policy.New(policy.NativeBalanceAtLeast("ethereum", minWei))
	require.NoError(t, err)
	s, err := capability.DecryptScope(p)
	require.NoError(t, err)
	return s
}

func TestTwoStepProtocol(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	signer := newPromptSigner(t, false)
	addr, err := signer.Address(ctx)
	require.NoError(t, err)
	scope := scopeFor(t, "0")

	p, err := f.mgr.RequestChallenge(ctx, scope, addr)
	require.NoError(t, err)
	require.Equal(t, challenge.DefaultDomain, p.Challenge.Domain)
	require.Equal(t, challenge.DefaultStatement, p.Challenge.Statement)
	require.Equal(t, testStart.Add(DefaultTTL), p.Challenge.ExpirationTime)
	require.Len(t, p.Challenge.Resources, 1)

	sig, err := challenge.Sign(ctx, p.Challenge, signer)
	require.NoError(t, err)
	set, err := f.mgr.Complete(ctx, p, sig)
	require.NoError(t, err)
	require.Equal(t, scope, set.Scope)
	require.Equal(t, addr.Hex(), set.Address)
	require.Equal(t, 1, f.mgr.Len())

	cached, ok := f.mgr.Cached(scope, addr)
	require.True(t, ok)
	require.Equal(t, set.ExpiresAt, cached.ExpiresAt)
}

func TestNonceIsFetchedPerChallenge(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	addr := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	scope := scopeFor(t, "0")

	a, err := f.mgr.RequestChallenge(ctx, scope, addr)
	require.NoError(t, err)
	b, err := f.mgr.RequestChallenge(ctx, scope, addr)
	require.NoError(t, err)
	require.NotEqual(t, a.Challenge.Nonce, b.Challenge.Nonce)
	require.EqualValues(t, 2, f.net.Stats().NonceFetches)
}

func TestGetSessionCaches(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{TTL: time.Hour})
	ctx := context.Background()
	signer := newPromptSigner(t, false)
	scope := scopeFor(t, "0")

	first, err := f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	second, err := f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	require.EqualValues(t, 1, signer.prompts.Load())
	require.Equal(t, first.ExpiresAt, second.ExpiresAt)

	// Inside the refresh margin the cached set is no longer handed out.
	f.clock.Advance(time.Hour - DefaultRefreshMargin/2)
	_, err = f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	require.EqualValues(t, 2, signer.prompts.Load())

	addr, err := signer.Address(ctx)
	require.NoError(t, err)
	f.mgr.Invalidate(scope, addr)
	require.Equal(t, 0, f.mgr.Len())
	_, err = f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	require.EqualValues(t, 3, signer.prompts.Load())
}

func TestGetSessionReturnsCopies(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	signer := newPromptSigner(t, false)
	scope := scopeFor(t, "0")

	set, err := f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	for k := range set.Credentials {
		delete(set.Credentials, k)
	}
	again, err := f.mgr.GetSession(ctx, scope, signer)
	require.NoError(t, err)
	require.Len(t, again.Credentials, localnet.DefaultNodes)
}

func TestConcurrentGetSessionPromptsOnce(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	signer := newPromptSigner(t, true)
	scope := scopeFor(t, "0")

	const callers = 2
	var wg sync.WaitGroup
	results := make([]*capability.SessionCredentialSet, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.mgr.GetSession(ctx, scope, signer)
		}(i)
	}

	require.Eventually(t, func() bool {
		return signer.prompts.Load() == 1
	}, time.Second, time.Millisecond)
	close(signer.release)
	wg.Wait()

	require.EqualValues(t, 1, signer.prompts.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Address, results[i].Address)
		require.Equal(t, results[0].ExpiresAt, results[i].ExpiresAt)
		require.Equal(t, results[0].Scope, results[i].Scope)
	}
	require.EqualValues(t, 1, f.net.Stats().SessionsIssued)
}

func TestManyWalletsUnderLoad(t *testing.T) { // A
	testutil.RequireLong(t)
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	scope := scopeFor(t, "0")

	const wallets, callers = 32, 16
	signers := make([]*promptSigner, wallets)
	for i := range signers {
		signers[i] = newPromptSigner(t, false)
	}
	var wg sync.WaitGroup
	errs := make(chan error, wallets*callers)
	for _, s := range signers {
		for j := 0; j < callers; j++ {
			wg.Add(1)
			go func(s *promptSigner) {
				defer wg.Done()
				_, err := f.mgr.GetSession(ctx, scope, s)
				errs <- err
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, s := range signers {
		require.EqualValues(t, 1, s.prompts.Load())
	}
	require.Equal(t, wallets, f.mgr.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	blocked := newPromptSigner(t, true)
	free := newPromptSigner(t, false)
	zero := scopeFor(t, "0")

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetSession(ctx, zero, blocked)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return blocked.prompts.Load() == 1
	}, time.Second, time.Millisecond)

	// Same scope, other wallet.
	_, err := f.mgr.GetSession(ctx, zero, free)
	require.NoError(t, err)
	// Other scope, other wallet.
	_, err = f.mgr.GetSession(ctx, scopeFor(t, "1"), free)
	require.NoError(t, err)

	close(blocked.release)
	require.NoError(t, <-done)
	require.Equal(t, 3, f.mgr.Len())
}

func TestOverbroadScopeRejected(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	signer := newPromptSigner(t, false)

	_, err := f.mgr.GetSession(ctx, capability.Scope{
		Resource: capability.WildcardResource,
		Ability:  capability.AbilityDecrypt,
	}, signer)
	require.ErrorIs(t, err, ErrOverbroadScope)

	_, err = f.mgr.GetSession(ctx, capability.Scope{
		Resource: "lit-litaction://anything",
		Ability:  capability.AbilityDecrypt,
	}, signer)
	require.ErrorIs(t, err, ErrOverbroadScope)

	_, err = f.mgr.GetSession(ctx, capability.Scope{}, signer)
	require.ErrorIs(t, err, ErrInvalidScope)

	require.Zero(t, signer.prompts.Load())
	require.Zero(t, f.net.Stats().NonceFetches)
}

func TestTTLAboveNetworkMaximum(t *testing.T) { // A
	f := newFixture(
		t,
		localnet.Config{MaxSessionTTL: time.Hour},
		Config{TTL: 2 * time.Hour},
	)
	_, err := f.mgr.GetSession(
		context.Background(), scopeFor(t, "0"), newPromptSigner(t, false),
	)
	require.ErrorIs(t, err, ErrTTLExceedsMaximum)
}

func TestNonceFetchRetriesOnce(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	ctx := context.Background()
	signer := newPromptSigner(t, false)

	f.net.FailNextNonceFetches(1)
	_, err := f.mgr.GetSession(ctx, scopeFor(t, "0"), signer)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.net.Stats().NonceFetches)

	f.net.FailNextNonceFetches(5)
	_, err = f.mgr.GetSession(ctx, scopeFor(t, "1"), signer)
	require.ErrorIs(t, err, ErrNonceFetchFailed)
	require.ErrorIs(t, err, network.ErrUnavailable)
	require.EqualValues(t, 4, f.net.Stats().NonceFetches)
	require.EqualValues(t, 1, signer.prompts.Load())
}

func TestNonceFetchDoesNotRetryPermanentErrors(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	require.NoError(t, f.net.Close())

	_, err := f.mgr.GetSession(
		context.Background(), scopeFor(t, "0"), newPromptSigner(t, false),
	)
	require.ErrorIs(t, err, ErrNonceFetchFailed)
	require.ErrorIs(t, err, network.ErrNotConnected)
	require.EqualValues(t, 0, f.net.Stats().NonceFetches)
}

func TestSigningErrorPropagates(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	signer := refusingSigner{
		addr: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
	}
	_, err := f.mgr.GetSession(context.Background(), scopeFor(t, "0"), signer)
	require.ErrorIs(t, err, challenge.ErrSigning)

	var se *challenge.SigningError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 0, f.mgr.Len())
	require.EqualValues(t, 0, f.net.Stats().SessionsIssued)
}

func TestQuorumNotMet(t *testing.T) { // A
	f := newFixture(t, localnet.Config{Nodes: 3, Threshold: 2}, Config{})
	ids := f.net.NodeIDs()
	require.NoError(t, f.net.SetNodeOnline(ids[0], false))
	require.NoError(t, f.net.SetNodeOnline(ids[1], false))

	_, err := f.mgr.GetSession(
		context.Background(), scopeFor(t, "0"), newPromptSigner(t, false),
	)
	require.ErrorIs(t, err, ErrQuorumNotMet)
	require.ErrorIs(t, err, network.ErrQuorumNotMet)
	require.Equal(t, 0, f.mgr.Len())
}

func TestCancelledSigningLeavesNoState(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	signer := newPromptSigner(t, true)
	scope := scopeFor(t, "0")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetSession(ctx, scope, signer)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return signer.prompts.Load() == 1
	}, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, f.mgr.Len())

	// The abandoned negotiation is torn down, so the next call prompts again.
	close(signer.release)
	_, err = f.mgr.GetSession(context.Background(), scope, signer)
	require.NoError(t, err)
	require.EqualValues(t, 2, signer.prompts.Load())
}

func TestFollowerDeadlineReturnsPromptly(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	signer := newPromptSigner(t, true)
	scope := scopeFor(t, "0")

	leader := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetSession(context.Background(), scope, signer)
		leader <- err
	}()
	require.Eventually(t, func() bool {
		return signer.prompts.Load() == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.mgr.GetSession(ctx, scope, signer)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	close(signer.release)
	require.NoError(t, <-leader)
	require.EqualValues(t, 1, signer.prompts.Load())
}

func TestLeaderCancelDoesNotFailFollower(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{})
	signer := newPromptSigner(t, true)
	scope := scopeFor(t, "0")

	addr, err := signer.Address(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetSession(ctx, scope, signer)
		leader <- err
	}()
	require.Eventually(t, func() bool {
		return signer.prompts.Load() == 1
	}, time.Second, time.Millisecond)

	follower := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetSession(context.Background(), scope, signer)
		follower <- err
	}()
	require.Eventually(t, func() bool {
		f.mgr.mu.Lock()
		defer f.mgr.mu.Unlock()
		fl := f.mgr.flights[cacheKey(scope, addr)]
		return fl != nil && fl.waiters == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leader, context.Canceled)

	close(signer.release)
	require.NoError(t, <-follower)
	require.EqualValues(t, 1, signer.prompts.Load())
	require.Equal(t, 1, f.mgr.Len())
}

func TestPurge(t *testing.T) { // A
	f := newFixture(t, localnet.Config{}, Config{TTL: time.Hour})
	ctx := context.Background()
	signer := newPromptSigner(t, false)

	_, err := f.mgr.GetSession(ctx, scopeFor(t, "0"), signer)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.mgr.GetSession(ctx, scopeFor(t, "1"), signer)
	require.NoError(t, err)
	require.Equal(t, 2, f.mgr.Len())

	f.clock.Advance(45 * time.Minute)
	require.Equal(t, 1, f.mgr.Purge())
	require.Equal(t, 1, f.mgr.Len())

	f.mgr.Clear()
	require.Equal(t, 0, f.mgr.Len())
}
