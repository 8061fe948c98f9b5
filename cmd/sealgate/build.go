package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-seal/internal/config"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore/badgerstore"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore/httpstore"
	"github.com/i5heu/ouroboros-seal/pkg/network/localnet"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

// closers collects cleanup functions run in reverse order.
type closers []func() error

func (c closers) close(log *slog.Logger) { // A
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.Warn("cleanup failed", logKeyError, err)
		}
	}
}

func buildNetwork(
	ctx context.Context,
	conf config.Network,
	log *slog.Logger,
) (*localnet.Network, *localnet.StaticChain, closers, error) { // A
	var (
		cleanup closers
		chain   localnet.ChainReader
		static  *localnet.StaticChain
	)
	if len(conf.RPC) > 0 {
		rc, err := localnet.DialRPCChain(ctx, conf.RPC)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("dial chains: %w", err)
		}
		cleanup = append(cleanup, func() error { rc.Close(); return nil })
		chain = rc
	} else {
		static = localnet.NewStaticChain()
		chain = static
	}

	secret, err := conf.Secret()
	if err != nil {
		cleanup.close(log)
		return nil, nil, nil, err
	}
	n, err := localnet.New(localnet.Config{
		Name:          conf.Name,
		Nodes:         conf.Nodes,
		Threshold:     conf.Threshold,
		MaxSessionTTL: conf.MaxSessionTTL,
		NonceTTL:      conf.NonceTTL,
		MaxConditions: conf.MaxConditions,
		MasterSecret:  secret,
		Chain:         chain,
		Logger:        log.With("component", "localnet"),
	})
	if err != nil {
		cleanup.close(log)
		return nil, nil, nil, err
	}
	return n, static, cleanup, nil
}

// badgerLogger mirrors the slog level onto a logrus logger for badger.
func badgerLogger(level string, out io.Writer) *logrus.Logger { // A
	l := logrus.New()
	l.SetOutput(out)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

// buildStore opens the configured backend. It returns a nil store for the
// "none" backend.
func buildStore(
	conf config.Config,
	signer challenge.Signer,
	stderr io.Writer,
) (contentstore.Store, *badgerstore.Store, closers, error) { // A
	switch conf.Store.Backend {
	case config.BackendNone:
		return nil, nil, nil, nil
	case config.BackendHTTP:
		c, err := httpstore.New(httpstore.Config{
			BaseURL: conf.Store.RemoteURL,
			Signer:  signer,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return c, nil, nil, nil
	case config.BackendBadger:
		if err := os.MkdirAll(conf.Store.Path, 0o750); err != nil {
			return nil, nil, nil, fmt.Errorf("create store directory: %w", err)
		}
		s, err := badgerstore.Open(badgerstore.Config{
			Path:          conf.Store.Path,
			MinimumFreeGB: conf.Store.MinimumFreeGB,
			PricePerByte:  conf.Store.PricePerByte,
			BaseURL:       conf.Store.BaseURL,
			Logger:        badgerLogger(conf.Log.Level, stderr),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, closers{s.Close}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store backend %q", conf.Store.Backend)
}

func sessionConfig(conf config.Challenge) session.Config { // A
	return session.Config{
		TTL:           conf.TTL,
		RefreshMargin: conf.RefreshMargin,
		Domain:        conf.Domain,
		URI:           conf.URI,
		Statement:     conf.Statement,
		ChainID:       conf.ChainID,
	}
}
