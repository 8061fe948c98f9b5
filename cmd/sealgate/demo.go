package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	seal "github.com/i5heu/ouroboros-seal"
	"github.com/i5heu/ouroboros-seal/internal/config"
	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
)

const demoMessage = "Irys + Lit is fire"

type demoFlags struct {
	commonFlags
	skipStore bool
	message   string
	chain     string
	minWei    string
	fundWei   string
	walletKey string
	storePath string
}

func runDemo(ctx context.Context, args []string, stdout, stderr io.Writer) error { // A
	var f demoFlags
	fs := pflag.NewFlagSet("sealgate demo", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	fs.BoolVar(&f.skipStore, "skip-store", false, "encrypt and decrypt only, without the content store")
	fs.StringVar(&f.message, "message", demoMessage, "plaintext to seal")
	fs.StringVar(&f.chain, "chain", "ethereum", "chain the balance condition reads")
	fs.StringVar(&f.minWei, "min-wei", "0", "minimum native balance in wei")
	fs.StringVar(&f.fundWei, "fund-wei", "", "credit the demo wallet with this balance on the in-memory chain")
	fs.StringVar(&f.walletKey, "wallet-key", "", "hex private key of the demo wallet (fresh wallet when empty)")
	fs.StringVar(&f.storePath, "store-path", "", "badger store directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf, log, err := f.load(stderr)
	if err != nil {
		return err
	}
	if f.skipStore {
		conf.Store.Backend = config.BackendNone
	}
	if f.storePath != "" {
		conf.Store.Path = f.storePath
	}

	wallet, err := demoWallet(f.walletKey)
	if err != nil {
		return err
	}
	addr, err := wallet.Address(ctx)
	if err != nil {
		return err
	}

	net, static, netCleanup, err := buildNetwork(ctx, conf.Network, log)
	if err != nil {
		return err
	}
	defer netCleanup.close(log)
	if f.fundWei != "" {
		wei, ok := policy.ParseAmount(f.fundWei)
		if !ok || static == nil {
			return fmt.Errorf("--fund-wei needs a decimal amount and the in-memory chain")
		}
		static.SetNativeBalance(f.chain, addr, wei)
	}

	store, badger, storeCleanup, err := buildStore(conf, wallet, stderr)
	if err != nil {
		return err
	}
	defer storeCleanup.close(log)
	if badger != nil && conf.Store.PricePerByte > 0 {
		budget, err := badger.Price(contentstore.MaxUploadSize)
		if err != nil {
			return err
		}
		if err := badger.Fund(addr, budget); err != nil {
			return err
		}
	}

	p, err := seal.New(seal.Config{
		Network: net,
		Store:   store,
		Session: sessionConfig(conf.Challenge),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = p.Close(context.Background()) }()

	pol, err := policy.New(policy.NativeBalanceAtLeast(f.chain, f.minWei))
	if err != nil {
		return err
	}
	ctx = contentstore.WithUploader(ctx, addr)

	var plain []byte
	if store == nil {
		env, err := p.Encrypt(ctx, []byte(f.message), pol)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "encrypted: dataToEncryptHash=%s\n", env.DataHash)
		plain, err = p.Decrypt(ctx, env, wallet)
		if err != nil {
			return err
		}
	} else {
		id, env, err := p.Seal(ctx, []byte(f.message), pol)
		if err != nil {
			return err
		}
		url, err := p.URL(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "encrypted: dataToEncryptHash=%s\n", env.DataHash)
		fmt.Fprintf(stdout, "uploaded: %s\n", url)
		plain, err = p.Open(ctx, id, wallet)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "decrypted by %s: %s\n", addr.Hex(), plain)
	return nil
}

func demoWallet(hexKey string) (*challenge.LocalWallet, error) { // A
	if hexKey == "" {
		return challenge.NewLocalWallet()
	}
	return challenge.LocalWalletFromHex(hexKey)
}
