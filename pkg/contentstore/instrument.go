package contentstore

import (
	"context"
	"log/slog"

	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
)

type instrumented struct {
	next    Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Instrument wraps s so every call is counted and failures are logged.
func Instrument(s Store, m *metrics.Metrics, log *slog.Logger) Store { // A
	if log == nil {
		log = slog.Default()
	}
	return &instrumented{next: s, metrics: m, log: log}
}

func (i *instrumented) Upload( // A
	ctx context.Context,
	env envelope.EncryptedEnvelope,
	tags ...Tag,
) (ContentID, error) {
	id, err := i.next.Upload(ctx, env, tags...)
	i.metrics.StoreOp("upload", err)
	if err != nil {
		i.log.Warn("upload failed", "error", err)
		return "", err
	}
	i.log.Info("uploaded envelope", "id", id.String(), "url", i.next.URL(id))
	return id, nil
}

func (i *instrumented) Download( // A
	ctx context.Context,
	id ContentID,
) (ContentRecord, error) {
	rec, err := i.next.Download(ctx, id)
	i.metrics.StoreOp("download", err)
	if err != nil {
		i.log.Warn("download failed", "id", id.String(), "error", err)
	}
	return rec, err
}

func (i *instrumented) URL(id ContentID) string { // A
	return i.next.URL(id)
}
