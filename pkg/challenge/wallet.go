package challenge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalWallet is an in-process secp256k1 key that signs with personal_sign
// semantics and never prompts.
type LocalWallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalWallet generates a fresh key.
func NewLocalWallet() (*LocalWallet, error) { // A
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return walletFromKey(key), nil
}

// LocalWalletFromHex loads a hex private key, with or without 0x prefix.
func LocalWalletFromHex(hexKey string) (*LocalWallet, error) { // A
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return walletFromKey(key), nil
}

func walletFromKey(key *ecdsa.PrivateKey) *LocalWallet { // A
	return &LocalWallet{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the wallet's checksummed address.
func (w *LocalWallet) Address(ctx context.Context) (common.Address, error) { // A
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	return w.addr, nil
}

// SignMessage signs the EIP-191 text hash of message. V is 27 or 28.
func (w *LocalWallet) SignMessage( // A
	ctx context.Context,
	message []byte,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(message), w.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
