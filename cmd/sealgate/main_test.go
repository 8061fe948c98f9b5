package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-seal/internal/testutil"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore/badgerstore"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
)

const hardhatKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestDemoSkipStore(t *testing.T) { // A
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"demo", "--skip-store", "--no-color", "--log-level", "warn",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	require.Contains(t, stdout.String(), "decrypted by")
	require.Contains(t, stdout.String(), demoMessage)
	require.NotContains(t, stdout.String(), "uploaded:")
}

func TestDemoWithBadgerStore(t *testing.T) { // A
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"demo",
		"--store-path", filepath.Join(t.TempDir(), "store"),
		"--wallet-key", hardhatKey,
		"--log-level", "error",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	require.Contains(t, out, "uploaded: http://localhost:8080/store/")
	require.Contains(t, out, "decrypted by 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266: "+demoMessage)
}

func TestDemoPolicyNotSatisfied(t *testing.T) { // A
	var stdout, stderr bytes.Buffer
	args := []string{"demo", "--skip-store", "--min-wei", "1000", "--log-level", "error"}
	err := run(context.Background(), args, &stdout, &stderr)
	require.ErrorContains(t, err, "policy not satisfied")

	stdout.Reset()
	err = run(context.Background(), append(args, "--fund-wei", "1000"), &stdout, &stderr)
	require.NoError(t, err)
	require.Contains(t, stdout.String(), demoMessage)
}

func TestDemoWithConfigFile(t *testing.T) { // A
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  nodes: 5
  threshold: 3
store:
  backend: none
log:
  level: error
  noColor: true
`), 0o600))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"demo", "-c", path, "--message", "hello"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	require.Contains(t, stdout.String(), ": hello")
}

func TestRunRejectsUnknownCommand(t *testing.T) { // A
	var stdout, stderr bytes.Buffer
	require.Error(t, run(context.Background(), nil, &stdout, &stderr))
	require.Error(t, run(context.Background(), []string{"explode"}, &stdout, &stderr))
	require.True(t, strings.Contains(stderr.String(), "Usage: sealgate"))
	require.NoError(t, run(context.Background(), []string{"help"}, &stdout, &stderr))

	err := run(context.Background(), []string{"serve", "-c", "/does/not/exist.yaml"}, &stdout, &stderr)
	require.Error(t, err)
}

func TestServeMux(t *testing.T) { // A
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true, PricePerByte: 3, Logger: testutil.BadgerLogger()})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mux := newServeMux(store, store.Ready, reg, m, testutil.Logger())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	require.Equal(t, http.StatusOK, get("/live").Code)
	require.Equal(t, http.StatusOK, get("/ready").Code)

	price := get("/store/price/10")
	require.Equal(t, http.StatusOK, price.Code)
	require.JSONEq(t, `{"price":30}`, price.Body.String())

	require.Equal(t, http.StatusBadRequest, get("/store/not-a-cid").Code)
	missing, err := contentstore.NewContentID([]byte("missing"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, get("/store/"+missing.String()).Code)

	metricsBody := get("/metrics").Body.String()
	require.Contains(t, metricsBody, "seal_contentstore_operations_total")

	require.NoError(t, store.Close())
	require.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)
}
