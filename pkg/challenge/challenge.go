// Package challenge builds the canonical, human-readable authentication
// challenge (EIP-4361 "Sign-In with Ethereum" layout) and obtains a wallet
// signature over it.
package challenge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TimeLayout is the timestamp layout used inside canonical messages.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Defaults used when a caller does not override them.
const (
	DefaultDomain    = "localhost"
	DefaultURI       = "https://localhost/login"
	DefaultStatement = "Sign this message to confirm ownership of your wallet."
	DefaultVersion   = "1"
	DefaultChainID   = 1
)

var ErrInvalidChallenge = errors.New("challenge: invalid")

// AuthChallenge is a freshness-bound statement a wallet is asked to sign.
// It is created per credential request and never reused.
type AuthChallenge struct {
	Domain         string    `json:"domain"`
	Address        string    `json:"address"`
	Statement      string    `json:"statement,omitempty"`
	URI            string    `json:"uri"`
	Version        string    `json:"version"`
	ChainID        uint64    `json:"chainId"`
	Nonce          string    `json:"nonce"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpirationTime time.Time `json:"expirationTime"`
	Resources      []string  `json:"resources,omitempty"`
}

// Validate checks the fields the canonical message depends on.
func (c AuthChallenge) Validate() error { // A
	switch {
	case c.Domain == "":
		return fmt.Errorf("%w: empty domain", ErrInvalidChallenge)
	case strings.ContainsAny(c.Domain, "\r\n"):
		return fmt.Errorf(
			"%w: domain must be a single line", ErrInvalidChallenge,
		)
	case !common.IsHexAddress(c.Address):
		return fmt.Errorf(
			"%w: bad address %q", ErrInvalidChallenge, c.Address,
		)
	case strings.ContainsAny(c.Statement, "\r\n"):
		return fmt.Errorf(
			"%w: statement must be a single line", ErrInvalidChallenge,
		)
	case c.URI == "":
		return fmt.Errorf("%w: empty uri", ErrInvalidChallenge)
	case c.Version == "":
		return fmt.Errorf("%w: empty version", ErrInvalidChallenge)
	case strings.ContainsAny(c.URI, "\r\n"),
		strings.ContainsAny(c.Version, "\r\n"):
		return fmt.Errorf(
			"%w: uri and version must be single lines", ErrInvalidChallenge,
		)
	case c.ChainID == 0:
		return fmt.Errorf("%w: zero chain id", ErrInvalidChallenge)
	case !validNonce(c.Nonce):
		return fmt.Errorf(
			"%w: nonce must be at least 8 alphanumerics",
			ErrInvalidChallenge,
		)
	case c.IssuedAt.IsZero():
		return fmt.Errorf("%w: missing issuedAt", ErrInvalidChallenge)
	case !c.ExpirationTime.After(c.IssuedAt):
		return fmt.Errorf(
			"%w: expiration must be after issuedAt",
			ErrInvalidChallenge,
		)
	}
	for _, r := range c.Resources {
		if r == "" || strings.ContainsAny(r, "\r\n") {
			return fmt.Errorf(
				"%w: bad resource %q", ErrInvalidChallenge, r,
			)
		}
	}
	return nil
}

// Expired reports whether the challenge is past its expiration at now.
func (c AuthChallenge) Expired(now time.Time) bool { // A
	return !now.Before(c.ExpirationTime)
}

// Message renders the canonical message. Field order and line format are
// fixed so the same logical challenge always yields the same bytes.
func (c AuthChallenge) Message() (string, error) { // A
	if err := c.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(c.Domain)
	b.WriteString(" wants you to sign in with your Ethereum account:\n")
	b.WriteString(common.HexToAddress(c.Address).Hex())
	b.WriteString("\n\n")
	if c.Statement != "" {
		b.WriteString(c.Statement)
		b.WriteString("\n\n")
	}
	b.WriteString("URI: " + c.URI + "\n")
	b.WriteString("Version: " + c.Version + "\n")
	b.WriteString(
		"Chain ID: " + strconv.FormatUint(c.ChainID, 10) + "\n",
	)
	b.WriteString("Nonce: " + c.Nonce + "\n")
	b.WriteString("Issued At: " + formatTime(c.IssuedAt) + "\n")
	b.WriteString("Expiration Time: " + formatTime(c.ExpirationTime))
	if len(c.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range c.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String(), nil
}

func formatTime(t time.Time) string { // A
	return t.UTC().Format(TimeLayout)
}

func validNonce(n string) bool { // A
	if len(n) < 8 {
		return false
	}
	for _, r := range n {
		alnum := (r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z')
		if !alnum {
			return false
		}
	}
	return true
}
