// Package localnet is an in-process threshold network. It implements the
// network.Client contract with real signatures, credential checks, policy
// binding and policy evaluation, but keeps every node in one process. Key
// management is deliberately simple: one master secret, with node
// participation modelled as quorum approval.
package localnet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/network"
)

// Defaults for Config fields left zero.
const (
	DefaultName          = "localnet"
	DefaultNodes         = 3
	DefaultThreshold     = 2
	DefaultMaxSessionTTL = 7 * 24 * time.Hour
	DefaultNonceTTL      = 5 * time.Minute
	DefaultMaxConditions = 16
)

// Config configures a Network.
type Config struct {
	Name      string
	Nodes     int
	Threshold int
	// MaxSessionTTL caps the lifetime of issued session credentials.
	MaxSessionTTL time.Duration
	// NonceTTL bounds how long an issued nonce stays redeemable.
	NonceTTL time.Duration
	// MaxConditions is the network-side limit on policy size.
	MaxConditions int
	// MasterSecret seeds key derivation. If nil a random one is drawn.
	MasterSecret []byte
	// Chain answers policy reads. If nil, a StaticChain is used.
	Chain  ChainReader
	Clock  clock.Clock
	Logger *slog.Logger
}

type node struct {
	id     string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	online atomic.Bool
}

// Stats counts requests served, mainly for tests.
type Stats struct {
	NonceFetches   int64
	SessionsIssued int64
	Encryptions    int64
	Decryptions    int64
}

// Network is an in-process threshold network.
type Network struct {
	log    *slog.Logger
	config Config
	clock  clock.Clock
	chain  ChainReader
	master []byte
	nodes  []*node
	nonces *nonceLedger

	connected atomic.Bool
	closeOnce sync.Once

	nonceFailures atomic.Int32

	nonceFetches   atomic.Int64
	sessionsIssued atomic.Int64
	encryptions    atomic.Int64
	decryptions    atomic.Int64
}

var _ network.Client = (*Network)(nil)

func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New builds a Network with fresh node keys. It is not usable until
// Connect.
func New(conf Config) (*Network, error) { // A
	if conf.Name == "" {
		conf.Name = DefaultName
	}
	if conf.Nodes == 0 {
		conf.Nodes = DefaultNodes
	}
	if conf.Threshold == 0 {
		conf.Threshold = DefaultThreshold
	}
	if conf.MaxSessionTTL == 0 {
		conf.MaxSessionTTL = DefaultMaxSessionTTL
	}
	if conf.NonceTTL == 0 {
		conf.NonceTTL = DefaultNonceTTL
	}
	if conf.MaxConditions == 0 {
		conf.MaxConditions = DefaultMaxConditions
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Nodes < 1 {
		return nil, fmt.Errorf("nodes must be positive, got %d", conf.Nodes)
	}
	if conf.Threshold < 1 || conf.Threshold > conf.Nodes {
		return nil, fmt.Errorf(
			"threshold %d outside [1, %d]", conf.Threshold, conf.Nodes,
		)
	}

	master := conf.MasterSecret
	if master == nil {
		master = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			return nil, fmt.Errorf("draw master secret: %w", err)
		}
	}
	if len(master) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}

	chain := conf.Chain
	if chain == nil {
		chain = NewStaticChain()
	}
	clk := clock.Or(conf.Clock)

	n := &Network{
		log:    conf.Logger,
		config: conf,
		clock:  clk,
		chain:  chain,
		master: append([]byte(nil), master...),
		nonces: newNonceLedger(conf.NonceTTL, clk),
	}
	for i := 0; i < conf.Nodes; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate node key: %w", err)
		}
		nd := &node{
			id:   fmt.Sprintf("%s-node-%d", conf.Name, i),
			pub:  pub,
			priv: priv,
		}
		nd.online.Store(true)
		n.nodes = append(n.nodes, nd)
	}
	return n, nil
}

// Connect marks the handle usable.
func (n *Network) Connect(ctx context.Context) error { // A
	if err := ctx.Err(); err != nil {
		return err
	}
	n.connected.Store(true)
	n.log.Info(
		"threshold network connected",
		"network", n.config.Name,
		"nodes", len(n.nodes),
		"threshold", n.config.Threshold,
	)
	return nil
}

// Close disconnects. Close is idempotent.
func (n *Network) Close() error { // A
	n.closeOnce.Do(func() {
		n.connected.Store(false)
		n.log.Info("threshold network disconnected", "network", n.config.Name)
	})
	return nil
}

// Info describes the network.
func (n *Network) Info() network.Info { // A
	return network.Info{
		Name:          n.config.Name,
		Nodes:         len(n.nodes),
		Threshold:     n.config.Threshold,
		MaxSessionTTL: n.config.MaxSessionTTL,
	}
}

// NodeIDs lists node identifiers in order.
func (n *Network) NodeIDs() []string { // A
	out := make([]string, len(n.nodes))
	for i, nd := range n.nodes {
		out[i] = nd.id
	}
	return out
}

// SetNodeOnline toggles whether a node participates.
func (n *Network) SetNodeOnline(id string, online bool) error { // A
	for _, nd := range n.nodes {
		if nd.id == id {
			nd.online.Store(online)
			return nil
		}
	}
	return fmt.Errorf("unknown node %q", id)
}

// FailNextNonceFetches makes the next count FetchNonce calls fail as
// unavailable.
func (n *Network) FailNextNonceFetches(count int) { // A
	n.nonceFailures.Store(int32(count)) //#nosec G115
}

// Stats returns request counters.
func (n *Network) Stats() Stats { // A
	return Stats{
		NonceFetches:   n.nonceFetches.Load(),
		SessionsIssued: n.sessionsIssued.Load(),
		Encryptions:    n.encryptions.Load(),
		Decryptions:    n.decryptions.Load(),
	}
}

func (n *Network) onlineNodes() []*node { // A
	var out []*node
	for _, nd := range n.nodes {
		if nd.online.Load() {
			out = append(out, nd)
		}
	}
	return out
}

func (n *Network) ready(op string) error { // A
	if !n.connected.Load() {
		return &network.Error{Op: op, Kind: network.KindNotConnected}
	}
	return nil
}

// FetchNonce returns a fresh single-use nonce shaped like a block hash.
func (n *Network) FetchNonce(ctx context.Context) (string, error) { // A
	const op = "fetch nonce"
	if err := n.ready(op); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	n.nonceFetches.Add(1)

	for {
		left := n.nonceFailures.Load()
		if left <= 0 {
			break
		}
		if n.nonceFailures.CompareAndSwap(left, left-1) {
			return "", network.Errorf(
				op, network.KindUnavailable, "injected failure",
			)
		}
	}
	if len(n.onlineNodes()) == 0 {
		return "", network.Errorf(
			op, network.KindUnavailable, "no node online",
		)
	}
	nonce, err := n.nonces.issue()
	if err != nil {
		return "", &network.Error{
			Op: op, Kind: network.KindUnavailable, Err: err,
		}
	}
	return nonce, nil
}
