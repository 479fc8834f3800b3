package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devreg/protocol/publish/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// usageError marks errors caused by how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

type options struct {
	stdout io.Writer
	stderr io.Writer
	env    config.Env
	lookup func(string) (string, bool)

	configPath  string
	network     string
	artifacts   string
	manifest    string
	noManifest  bool
	rpcURL      string
	privateKey  string
	chainID     uint64
	gasFeeCap   string
	gasTipCap   string
	factory     string
	factorySalt string
	admin       string
	libraries   []string
	timeout     time.Duration
	output      string
	logMode     string
}

// Run executes the CLI and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}

	o := &options{stdout: stdout, stderr: stderr, env: env, lookup: os.LookupEnv}
	root := newRootCmd(o)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if isUsage(err) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func isUsage(err error) bool {
	var uerr usageError
	if errors.As(err, &uerr) {
		return true
	}
	// cobra reports these as plain errors
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.HasPrefix(msg, "required flag")
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "devreg-publish",
		Short:         "Deploy the DevReg developer registry and its String library",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch o.output {
			case "text", "json":
			default:
				return usagef("--output must be text or json, got %q", o.output)
			}
			if o.timeout <= 0 {
				return usagef("--timeout must be positive")
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	f := root.PersistentFlags()
	f.StringVar(&o.configPath, "config", o.env.ConfigPath, "config file (env DEVREG_CONFIG)")
	f.StringVarP(&o.network, "network", "n", o.env.Network, "network name from the config file (env DEVREG_NETWORK)")
	f.StringVar(&o.artifacts, "artifacts", o.env.Artifacts, "compiled artifacts directory (env DEVREG_ARTIFACTS)")
	f.StringVar(&o.manifest, "manifest", o.env.Manifest, "deployment manifest database (env DEVREG_MANIFEST)")
	f.BoolVar(&o.noManifest, "no-manifest", false, "neither read nor record the deployment manifest")
	f.StringVar(&o.rpcURL, "rpc-url", o.env.RPCURL, "RPC URL, overriding the network's (env RPC_URL)")
	f.StringVar(&o.privateKey, "private-key", "", "deployer private key hex (default from the network's key variable)")
	f.Uint64Var(&o.chainID, "chain-id", 0, "expected chain id (default from the network)")
	f.StringVar(&o.gasFeeCap, "gas-fee-cap", "", `EIP-1559 fee cap, e.g. "30 gwei" (default 2x base fee + tip)`)
	f.StringVar(&o.gasTipCap, "gas-tip-cap", "", "EIP-1559 tip cap (default eth_maxPriorityFeePerGas)")
	f.StringVar(&o.factory, "factory", "", "existing ERC1967Factory address")
	f.StringVar(&o.factorySalt, "factory-salt-suffix", "", "suffix appended to the factory name before salt derivation")
	f.StringVar(&o.admin, "admin", "", "proxy admin (default deployer)")
	f.StringArrayVar(&o.libraries, "library", nil, "library binding Name=0xaddress, repeatable")
	f.DurationVar(&o.timeout, "timeout", o.env.Timeout, "overall timeout (env DEVREG_TIMEOUT)")
	f.StringVarP(&o.output, "output", "o", "text", "report format: text or json")
	f.StringVar(&o.logMode, "log-mode", o.env.LogMode, "dev, prod or quiet (env DEVREG_LOG_MODE)")

	root.AddCommand(
		deployCmd(o),
		deployStringCmd(o),
		deployDevRegCmd(o),
		publishOneCmd(o),
		validateCmd(o),
		callCmd(o),
		statusCmd(o),
	)
	return root
}
