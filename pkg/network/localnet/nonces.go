package localnet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
)

// nonceLedger tracks issued freshness nonces. A nonce is redeemable once
// and only within ttl of issuance. Expired entries are evicted inline.
type nonceLedger struct { // A
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   clock.Clock
}

func newNonceLedger( // A
	ttl time.Duration,
	clk clock.Clock,
) *nonceLedger {
	return &nonceLedger{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clk,
	}
}

// issue returns a new block-hash-like nonce and records it.
func (nl *nonceLedger) issue() (string, error) { // A
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	nonce := "0x" + hex.EncodeToString(raw[:])

	nl.mu.Lock()
	defer nl.mu.Unlock()
	nl.cleanup()
	nl.entries[nonce] = nl.clock.Now()
	return nonce, nil
}

// redeem consumes nonce. It returns false for unknown, expired or already
// redeemed nonces.
func (nl *nonceLedger) redeem(nonce string) bool { // A
	if nonce == "" {
		return false
	}

	nl.mu.Lock()
	defer nl.mu.Unlock()

	nl.cleanup()

	if _, ok := nl.entries[nonce]; !ok {
		return false
	}
	delete(nl.entries, nonce)
	return true
}

func (nl *nonceLedger) len() int { // A
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return len(nl.entries)
}

// cleanup evicts expired entries. Must be called with mu held.
func (nl *nonceLedger) cleanup() { // A
	cutoff := nl.clock.Now().Add(-nl.ttl)
	for k, v := range nl.entries {
		if v.Before(cutoff) {
			delete(nl.entries, k)
		}
	}
}
