package httpstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-seal/internal/testutil"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore/badgerstore"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

func testEnvelope(t *testing.T, msg string) envelope.EncryptedEnvelope { // A
	t.Helper()
	p, err := policy.New(policy.NativeBalanceAtLeast("ethereum", "0"))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(msg))
	return envelope.EncryptedEnvelope{
		Ciphertext: base64.StdEncoding.EncodeToString([]byte("sealed " + msg)),
		DataHash:   hex.EncodeToString(sum[:]),
		Policy:     p,
	}
}

type fixture struct {
	backend *badgerstore.Store
	server  *httptest.Server
	wallet  *challenge.LocalWallet
	client  *Client
}

func newFixture(t *testing.T, price uint64) *fixture { // A
	t.Helper()
	backend, err := badgerstore.Open(badgerstore.Config{
		InMemory:     true,
		PricePerByte: price,
		Logger:       testutil.BadgerLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	mux := http.NewServeMux()
	mux.Handle("/store/", http.StripPrefix("/store", contentstore.NewHandler(
		backend,
		contentstore.WithLogger(testutil.Logger()),
	)))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	wallet, err := challenge.NewLocalWallet()
	require.NoError(t, err)
	client, err := New(Config{BaseURL: server.URL + "/store/", Signer: wallet})
	require.NoError(t, err)
	return &fixture{backend: backend, server: server, wallet: wallet, client: client}
}

func TestRoundTrip(t *testing.T) { // A
	f := newFixture(t, 0)
	ctx := context.Background()
	env := testEnvelope(t, "Irys + Lit is fire")

	id, err := f.client.Upload(ctx, env, contentstore.Tag{Name: "App-Name", Value: "seal"})
	require.NoError(t, err)
	require.Equal(t, f.server.URL+"/store/"+id.String(), f.client.URL(id))

	rec, err := f.client.Download(ctx, id)
	require.NoError(t, err)
	require.True(t, env.Equal(rec.Envelope))
	require.Equal(t, envelope.ContentType, rec.ContentType)
	require.Contains(t, rec.Tags, contentstore.Tag{Name: "App-Name", Value: "seal"})

	direct, err := f.backend.Download(ctx, id)
	require.NoError(t, err)
	require.Equal(t, direct.Raw, rec.Raw)
}

func TestInsufficientFunds(t *testing.T) { // A
	f := newFixture(t, 1)
	ctx := context.Background()
	env := testEnvelope(t, "a")

	_, err := f.client.Upload(ctx, env)
	require.ErrorIs(t, err, contentstore.ErrInsufficientFunds)

	addr, err := f.wallet.Address(ctx)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.backend.Fund(addr, uint64(len(raw))))

	_, err = f.client.Upload(ctx, env)
	require.NoError(t, err)
}

func TestNotFound(t *testing.T) { // A
	f := newFixture(t, 0)
	id, err := contentstore.NewContentID([]byte("missing"))
	require.NoError(t, err)

	_, err = f.client.Download(context.Background(), id)
	require.ErrorIs(t, err, contentstore.ErrNotFound)

	_, err = f.client.Download(context.Background(), "bogus")
	require.ErrorIs(t, err, contentstore.ErrInvalidID)
}

func TestTamperedDownloadIsCorrupt(t *testing.T) { // A
	f := newFixture(t, 0)
	ctx := context.Background()
	id, err := f.client.Upload(ctx, testEnvelope(t, "a"))
	require.NoError(t, err)
	other, err := testEnvelope(t, "b").Marshal()
	require.NoError(t, err)

	liar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", envelope.ContentType)
		_, _ = w.Write(other)
	}))
	t.Cleanup(liar.Close)
	c, err := New(Config{BaseURL: liar.URL})
	require.NoError(t, err)

	_, err = c.Download(ctx, id)
	require.ErrorIs(t, err, contentstore.ErrCorruptRecord)
}

func TestUnavailable(t *testing.T) { // A
	f := newFixture(t, 0)
	f.server.Close()

	_, err := f.client.Upload(context.Background(), testEnvelope(t, "a"))
	require.ErrorIs(t, err, contentstore.ErrUnavailable)

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(broken.Close)
	c, err := New(Config{BaseURL: broken.URL})
	require.NoError(t, err)
	id, err := contentstore.NewContentID([]byte("x"))
	require.NoError(t, err)
	_, err = c.Download(context.Background(), id)
	require.ErrorIs(t, err, contentstore.ErrUnavailable)
}

func TestUploadTooLarge(t *testing.T) { // A
	strict := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	t.Cleanup(strict.Close)
	wallet, err := challenge.NewLocalWallet()
	require.NoError(t, err)
	c, err := New(Config{BaseURL: strict.URL, Signer: wallet})
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), testEnvelope(t, "a"))
	require.ErrorIs(t, err, contentstore.ErrTooLarge)
	require.NotErrorIs(t, err, contentstore.ErrUnavailable)
}

func TestUploadNeedsSigner(t *testing.T) { // A
	c, err := New(Config{BaseURL: "http://store.test"})
	require.NoError(t, err)
	_, err = c.Upload(context.Background(), testEnvelope(t, "a"))
	require.ErrorIs(t, err, contentstore.ErrUnauthorized)

	_, err = New(Config{BaseURL: "ftp://store.test"})
	require.Error(t, err)
}
