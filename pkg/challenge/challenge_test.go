package challenge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// Well known test key (hardhat account #0).
const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testChallenge(t *testing.T, addr common.Address) AuthChallenge { // A
	t.Helper()
	issued := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return AuthChallenge{
		Domain:         DefaultDomain,
		Address:        addr.Hex(),
		Statement:      DefaultStatement,
		URI:            DefaultURI,
		Version:        DefaultVersion,
		ChainID:        DefaultChainID,
		Nonce:          "0x4f2a9d0c11b7e6a3",
		IssuedAt:       issued,
		ExpirationTime: issued.Add(7 * 24 * time.Hour),
		Resources:      []string{"access-control-condition://abc"},
	}
}

func testWallet(t *testing.T) *LocalWallet { // A
	t.Helper()
	w, err := LocalWalletFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	return w
}

func TestMessageLayout(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)

	msg, err := c.Message()
	require.NoError(t, err)

	want := strings.Join([]string{
		"localhost wants you to sign in with your Ethereum account:",
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"",
		DefaultStatement,
		"",
		"URI: https://localhost/login",
		"Version: 1",
		"Chain ID: 1",
		"Nonce: 0x4f2a9d0c11b7e6a3",
		"Issued At: 2026-10-16T12:00:00.000Z",
		"Expiration Time: 2026-10-23T12:00:00.000Z",
		"Resources:",
		"- access-control-condition://abc",
	}, "\n")
	require.Equal(t, want, msg)
}

func TestMessageIsDeterministic(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)
	// Lower-case address and a non-UTC zone must render identically.
	alt := c
	alt.Address = strings.ToLower(c.Address)
	alt.IssuedAt = c.IssuedAt.In(time.FixedZone("CEST", 2*3600))

	a, err := c.Message()
	require.NoError(t, err)
	b, err := alt.Message()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestMessageWithoutStatement(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)
	c.Statement = ""
	c.Resources = nil

	msg, err := c.Message()
	require.NoError(t, err)
	require.Contains(t, msg, "\n\nURI: ")
	require.NotContains(t, msg, "Resources:")
}

func TestValidateRejects(t *testing.T) { // A
	w := testWallet(t)
	base := testChallenge(t, w.addr)

	mutate := map[string]func(*AuthChallenge){
		"short nonce":     func(c *AuthChallenge) { c.Nonce = "abc" },
		"nonce symbol":    func(c *AuthChallenge) { c.Nonce = "abc-defgh" },
		"bad address":     func(c *AuthChallenge) { c.Address = "0x12" },
		"no domain":       func(c *AuthChallenge) { c.Domain = "" },
		"multiline":       func(c *AuthChallenge) { c.Statement = "a\nb" },
		"no chain":        func(c *AuthChallenge) { c.ChainID = 0 },
		"expired window":  func(c *AuthChallenge) { c.ExpirationTime = c.IssuedAt },
		"bad resource":    func(c *AuthChallenge) { c.Resources = []string{""} },
		"missing version": func(c *AuthChallenge) { c.Version = "" },
		"domain newline":  func(c *AuthChallenge) { c.Domain = "localhost\nURI: https://evil.test" },
		"uri newline":     func(c *AuthChallenge) { c.URI = "https://localhost/login\r\nVersion: 2" },
		"version newline": func(c *AuthChallenge) { c.Version = "1\nChain ID: 5" },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			c := base
			fn(&c)
			_, err := c.Message()
			if !errors.Is(err, ErrInvalidChallenge) {
				t.Fatalf("Message err = %v, want ErrInvalidChallenge", err)
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) { // A
	ctx := context.Background()
	w := testWallet(t)
	c := testChallenge(t, w.addr)

	sig, err := Sign(ctx, c, w)
	require.NoError(t, err)
	require.Equal(t, DerivedViaPersonalSign, sig.DerivedVia)
	require.Equal(t, w.addr.Hex(), sig.Address)
	require.NoError(t, Verify(sig))
	require.NoError(t, VerifyFor(c, sig))

	again, err := Sign(ctx, c, w)
	require.NoError(t, err)
	require.Equal(t, sig.SignedMessage, again.SignedMessage)
}

func TestVerifyForDetectsTampering(t *testing.T) { // A
	ctx := context.Background()
	w := testWallet(t)
	c := testChallenge(t, w.addr)
	sig, err := Sign(ctx, c, w)
	require.NoError(t, err)

	other := c
	other.Nonce = "0xdeadbeefcafebabe"
	require.ErrorIs(t, VerifyFor(other, sig), ErrMessageMismatch)

	forged := sig
	forged.SignedMessage = strings.Replace(
		sig.SignedMessage, c.Nonce, other.Nonce, 1,
	)
	require.ErrorIs(t, Verify(forged), ErrSignatureMismatch)

	claimed := sig
	stranger, err := NewLocalWallet()
	require.NoError(t, err)
	claimed.Address = stranger.addr.Hex()
	require.ErrorIs(t, Verify(claimed), ErrSignatureMismatch)
}

type refusingSigner struct {
	addr common.Address
}

var errUserRejected = errors.New("user rejected request")

func (s refusingSigner) Address(context.Context) (common.Address, error) { // A
	return s.addr, nil
}

func (s refusingSigner) SignMessage(context.Context, []byte) ([]byte, error) { // A
	return nil, errUserRejected
}

func TestSignWrapsSignerFailure(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)

	_, err := Sign(context.Background(), c, refusingSigner{addr: w.addr})
	require.ErrorIs(t, err, ErrSigning)
	require.ErrorIs(t, err, errUserRejected)

	var se *SigningError
	require.ErrorAs(t, err, &se)
	require.Equal(t, w.addr.Hex(), se.Address)
}

func TestSignRejectsForeignSigner(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)
	other, err := NewLocalWallet()
	require.NoError(t, err)

	_, err = Sign(context.Background(), c, other)
	require.ErrorIs(t, err, ErrSigning)
	require.ErrorIs(t, err, ErrAddressMismatch)
}

func TestSignHonoursCancellation(t *testing.T) { // A
	w := testWallet(t)
	c := testChallenge(t, w.addr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sign(ctx, c, w)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrSigning)
}
