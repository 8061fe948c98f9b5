package seal

import (
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
	"github.com/i5heu/ouroboros-seal/pkg/network"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

// DefaultPurgeInterval is how often Run drops expired sessions.
const DefaultPurgeInterval = time.Minute

// Config configures a Pipeline.
type Config struct {
	// Network is connected by Start and disconnected by Close.
	Network network.Client
	// Store holds sealed envelopes. If nil, Seal and Open are unavailable
	// and only Encrypt and Decrypt work.
	Store contentstore.Store
	// Session configures credential negotiation. Its Logger, Metrics and
	// Clock default to the pipeline's.
	Session session.Config
	// PurgeInterval is how often Run drops expired sessions.
	PurgeInterval time.Duration
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
