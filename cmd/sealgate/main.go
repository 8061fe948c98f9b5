// sealgate runs the policy-gated storage pipeline.
//
//	sealgate demo  [--skip-store] [--message text] [--min-wei n]
//	sealgate serve [--listen addr]
//
// demo encrypts a message under "native balance >= min-wei", stores it,
// fetches it back and decrypts it with a local wallet. serve exposes the
// content store over HTTP together with /metrics, /live and /ready.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/i5heu/ouroboros-seal/internal/config"
	"github.com/i5heu/ouroboros-seal/pkg/logging"
)

const (
	logKeyCommand = "command"
	logKeyError   = "error"
	logKeySignal  = "signal"
)

func main() { // A
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	logLevel   string
	noColor    bool
}

func (c *commonFlags) register(fs *pflag.FlagSet) { // A
	fs.StringVarP(&c.configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	fs.BoolVar(&c.noColor, "no-color", false, "disable coloured log output")
}

// load reads the config and builds the logger. Flag values override the
// file.
func (c *commonFlags) load(stderr io.Writer) (config.Config, *slog.Logger, error) { // A
	conf := config.Default()
	if c.configPath != "" {
		var err error
		conf, err = config.Load(c.configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
	}
	if c.logLevel != "" {
		conf.Log.Level = c.logLevel
	}
	if c.noColor {
		conf.Log.NoColor = true
	}
	if err := conf.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	level, err := logging.ParseLevel(conf.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(stderr, logging.Options{Level: level, NoColor: conf.Log.NoColor})
	return conf, logger, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error { // A
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "demo":
		return runDemo(ctx, args[1:], stdout, stderr)
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "-h", "--help", "help":
		printUsage(stderr)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) { // A
	fmt.Fprint(w, `Usage: sealgate <command> [flags]

Commands:
  demo   seal a message, store it, fetch it and open it again
  serve  serve the content store with metrics and health endpoints

Run "sealgate <command> --help" for the flags of a command.
`)
}
