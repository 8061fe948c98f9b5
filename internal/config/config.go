package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/logging"
	"github.com/i5heu/ouroboros-seal/pkg/network/localnet"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

// Store backends.
const (
	BackendNone   = "none"
	BackendBadger = "badger"
	BackendHTTP   = "http"
)

type Config struct {
	Network   Network   `yaml:"network"`
	Challenge Challenge `yaml:"challenge"`
	Store     Store     `yaml:"store"`
	Log       Log       `yaml:"log"`
	Server    Server    `yaml:"server"`
}

type Network struct {
	Name          string        `yaml:"name"`
	Nodes         int           `yaml:"nodes"`
	Threshold     int           `yaml:"threshold"`
	MaxSessionTTL time.Duration `yaml:"maxSessionTTL"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	MaxConditions int           `yaml:"maxConditions"`
	// MasterSecret is hex. Empty generates a fresh one per process.
	MasterSecret string `yaml:"masterSecret"`
	// RPC maps chain names to JSON-RPC endpoints. Empty uses an in-memory
	// chain where every balance is zero.
	RPC map[string]string `yaml:"rpc"`
}

type Challenge struct {
	Domain        string        `yaml:"domain"`
	URI           string        `yaml:"uri"`
	Statement     string        `yaml:"statement"`
	ChainID       uint64        `yaml:"chainId"`
	TTL           time.Duration `yaml:"ttl"`
	RefreshMargin time.Duration `yaml:"refreshMargin"`
}

type Store struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	PricePerByte  uint64 `yaml:"pricePerByte"`
	// BaseURL is the public gateway prefix of stored content.
	BaseURL string `yaml:"baseURL"`
	// RemoteURL is the content node httpstore talks to.
	RemoteURL string `yaml:"remoteURL"`
}

type Log struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"noColor"`
}

type Server struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config { // A
	return Config{
		Network: Network{
			Name:          localnet.DefaultName,
			Nodes:         localnet.DefaultNodes,
			Threshold:     localnet.DefaultThreshold,
			MaxSessionTTL: localnet.DefaultMaxSessionTTL,
			NonceTTL:      localnet.DefaultNonceTTL,
			MaxConditions: localnet.DefaultMaxConditions,
		},
		Challenge: Challenge{
			Domain:        challenge.DefaultDomain,
			URI:           challenge.DefaultURI,
			Statement:     challenge.DefaultStatement,
			ChainID:       challenge.DefaultChainID,
			TTL:           session.DefaultTTL,
			RefreshMargin: session.DefaultRefreshMargin,
		},
		Store: Store{
			Backend:      BackendBadger,
			Path:         "./seal-data",
			BaseURL:      "http://localhost:8080/store",
			PricePerByte: 0,
		},
		Log:    Log{Level: "info"},
		Server: Server{Listen: ":8080"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) { // A
	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error { // A
	var errs []error
	n := c.Network
	if n.Nodes < 1 {
		errs = append(errs, errors.New("network.nodes must be at least 1"))
	}
	if n.Threshold < 1 || n.Threshold > n.Nodes {
		errs = append(errs, fmt.Errorf(
			"network.threshold %d outside [1, %d]", n.Threshold, n.Nodes,
		))
	}
	if n.MaxSessionTTL <= 0 || n.NonceTTL <= 0 {
		errs = append(errs, errors.New("network ttls must be positive"))
	}
	if _, err := c.Network.Secret(); err != nil {
		errs = append(errs, err)
	}
	for chain := range n.RPC {
		if _, ok := policy.ChainID(chain); !ok {
			errs = append(errs, fmt.Errorf("network.rpc: unknown chain %q", chain))
		}
	}

	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge.ttl must be positive"))
	}
	if c.Challenge.TTL > n.MaxSessionTTL {
		errs = append(errs, fmt.Errorf(
			"challenge.ttl %s exceeds network.maxSessionTTL %s",
			c.Challenge.TTL, n.MaxSessionTTL,
		))
	}
	if c.Challenge.RefreshMargin < 0 || c.Challenge.RefreshMargin >= c.Challenge.TTL {
		errs = append(errs, errors.New("challenge.refreshMargin must be in [0, ttl)"))
	}
	for field, v := range map[string]string{
		"domain":    c.Challenge.Domain,
		"uri":       c.Challenge.URI,
		"statement": c.Challenge.Statement,
	} {
		if strings.ContainsAny(v, "\r\n") {
			errs = append(errs, fmt.Errorf("challenge.%s must be a single line", field))
		}
	}

	switch c.Store.Backend {
	case BackendNone:
	case BackendBadger:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the badger backend"))
		}
		if c.Store.MinimumFreeGB < 0 {
			errs = append(errs, errors.New("store.minimumFreeGB must not be negative"))
		}
	case BackendHTTP:
		if c.Store.RemoteURL == "" {
			errs = append(errs, errors.New("store.remoteURL is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q unknown", c.Store.Backend))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Secret decodes MasterSecret. It returns nil when none is configured.
func (n Network) Secret() ([]byte, error) { // A
	if n.MasterSecret == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(n.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("network.masterSecret: %w", err)
	}
	if len(b) < 32 {
		return nil, fmt.Errorf("network.masterSecret: %d bytes, need at least 32", len(b))
	}
	return b, nil
}
