package challenge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DerivedViaPersonalSign tags signatures produced with personal_sign.
const DerivedViaPersonalSign = "web3.eth.personal.sign"

var (
	ErrSigning           = errors.New("challenge: signing failed")
	ErrAddressMismatch   = errors.New("challenge: signer address mismatch")
	ErrSignatureMismatch = errors.New("challenge: signature does not verify")
	ErrMessageMismatch   = errors.New("challenge: signed message differs")
)

// Signer is a wallet handle. SignMessage may block on human approval;
// nothing in this package imposes a timeout.
type Signer interface {
	Address(ctx context.Context) (common.Address, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// SigningError reports that the wallet could not produce a signature.
type SigningError struct {
	Address string
	Err     error
}

func (e *SigningError) Error() string { // A
	if e.Address == "" {
		return fmt.Sprintf("%v: %v", ErrSigning, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", ErrSigning, e.Address, e.Err)
}

func (e *SigningError) Unwrap() error { // A
	return e.Err
}

// Is makes every SigningError match ErrSigning.
func (e *SigningError) Is(target error) bool { // A
	return target == ErrSigning
}

// AuthSignature is a signature over exactly one challenge's canonical
// message. It is immutable once produced.
type AuthSignature struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
}

// Sign renders the challenge's canonical message and asks the signer to
// sign it.
func Sign( // A
	ctx context.Context,
	c AuthChallenge,
	signer Signer,
) (AuthSignature, error) {
	msg, err := c.Message()
	if err != nil {
		return AuthSignature{}, err
	}

	addr, err := signer.Address(ctx)
	if err != nil {
		return AuthSignature{}, &SigningError{Err: err}
	}
	if addr != common.HexToAddress(c.Address) {
		return AuthSignature{}, &SigningError{
			Address: addr.Hex(),
			Err: fmt.Errorf(
				"%w: challenge is for %s",
				ErrAddressMismatch, c.Address,
			),
		}
	}

	sig, err := signer.SignMessage(ctx, []byte(msg))
	if err != nil {
		return AuthSignature{}, &SigningError{
			Address: addr.Hex(),
			Err:     err,
		}
	}
	if len(sig) != crypto.SignatureLength {
		return AuthSignature{}, &SigningError{
			Address: addr.Hex(),
			Err: fmt.Errorf(
				"signature length %d, want %d",
				len(sig), crypto.SignatureLength,
			),
		}
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}

	return AuthSignature{
		Sig:           hexutil.Encode(sig),
		DerivedVia:    DerivedViaPersonalSign,
		SignedMessage: msg,
		Address:       addr.Hex(),
	}, nil
}

// Recover returns the address that produced sig over its signed message.
func Recover(sig AuthSignature) (common.Address, error) { // A
	if sig.DerivedVia != DerivedViaPersonalSign {
		return common.Address{}, fmt.Errorf(
			"%w: unsupported derivation %q",
			ErrSignatureMismatch, sig.DerivedVia,
		)
	}
	raw, err := hexutil.Decode(sig.Sig)
	if err != nil {
		return common.Address{}, fmt.Errorf(
			"%w: decode: %v", ErrSignatureMismatch, err,
		)
	}
	return RecoverPersonal([]byte(sig.SignedMessage), raw)
}

// RecoverPersonal recovers the signer of a personal_sign signature.
func RecoverPersonal( // A
	message []byte,
	sig []byte,
) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf(
			"%w: length %d", ErrSignatureMismatch, len(sig),
		)
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf(
			"%w: %v", ErrSignatureMismatch, err,
		)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig was produced by sig.Address over sig.SignedMessage.
func Verify(sig AuthSignature) error { // A
	addr, err := Recover(sig)
	if err != nil {
		return err
	}
	if addr != common.HexToAddress(sig.Address) {
		return fmt.Errorf(
			"%w: recovered %s, claimed %s",
			ErrSignatureMismatch, addr.Hex(), sig.Address,
		)
	}
	return nil
}

// VerifyFor checks that sig is a valid signature over c's canonical message
// by the challenge's address.
func VerifyFor(c AuthChallenge, sig AuthSignature) error { // A
	msg, err := c.Message()
	if err != nil {
		return err
	}
	if msg != sig.SignedMessage {
		return ErrMessageMismatch
	}
	if err := Verify(sig); err != nil {
		return err
	}
	if common.HexToAddress(sig.Address) != common.HexToAddress(c.Address) {
		return ErrAddressMismatch
	}
	return nil
}
