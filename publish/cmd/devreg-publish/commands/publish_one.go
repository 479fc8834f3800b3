package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devreg/protocol/publish/contracts/erc1967factory"
	"github.com/devreg/protocol/publish/pipeline"
	"github.com/devreg/protocol/publish/safety"
)

type publishOneFlags struct {
	proxy       bool
	kind        string
	unsafeAllow []string
	initializer string
	initArgs    []string
	ctorArgs    []string
	key         string
	gasLimit    uint64
}

func publishOneCmd(o *options) *cobra.Command {
	var f publishOneFlags
	cmd := &cobra.Command{
		Use:   "publish-one <artifact>",
		Short: "Deploy a single artifact, plain or behind a proxy",
		Long: `Deploy a single artifact by bare or fully qualified name.

"factory" (or "erc1967factory") finds or deploys the ERC1967Factory only.
With --proxy the implementation is validated for upgrade safety, reused when
the manifest already holds identical bytecode, and put behind a transparent
proxy (through the factory) or a UUPS ERC1967Proxy.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			kind, err := safety.ParseProxyKind(f.kind)
			if err != nil {
				return usageError{err}
			}
			allow, err := safety.ParseKinds(f.unsafeAllow)
			if err != nil {
				return usageError{err}
			}
			if !f.proxy && (cmd.Flags().Changed("kind") || len(allow) > 0 || f.initializer != "" || len(f.initArgs) > 0) {
				return usagef("--kind, --unsafe-allow, --initializer and --init-arg need --proxy")
			}

			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				switch {
				case isFactory(name):
					addr, err := s.runner.EnsureFactory(ctx)
					if err != nil {
						return err
					}
					if o.jsonOutput() {
						return printJSON(o.stdout, s.runner.Report())
					}
					printAddress(o.stdout, erc1967factory.Name(), addr)
					return nil
				case f.proxy:
					got, err := s.runner.DeployProxy(ctx, pipeline.ProxyRequest{
						Name:            name,
						Key:             f.key,
						Kind:            kind,
						UnsafeAllow:     allow,
						ConstructorArgs: f.ctorArgs,
						Initializer:     f.initializer,
						InitArgs:        f.initArgs,
						GasLimit:        f.gasLimit,
					})
					if err != nil {
						return err
					}
					if o.jsonOutput() {
						return printJSON(o.stdout, s.runner.Report())
					}
					printAddress(o.stdout, got.Contract, got.Address)
					printAddress(o.stdout, got.Contract+" Implementation", got.Implementation)
					return nil
				default:
					got, err := s.runner.DeployPlain(ctx, pipeline.PlainRequest{
						Name:     name,
						Key:      f.key,
						Args:     f.ctorArgs,
						GasLimit: f.gasLimit,
					})
					if err != nil {
						return err
					}
					if o.jsonOutput() {
						return printJSON(o.stdout, s.runner.Report())
					}
					printAddress(o.stdout, got.Contract, got.Address)
					return nil
				}
			})
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.proxy, "proxy", false, "deploy behind an upgradeable proxy")
	fl.StringVar(&f.kind, "kind", string(safety.Transparent), "proxy kind: transparent or uups")
	fl.StringSliceVar(&f.unsafeAllow, "unsafe-allow", nil, "upgrade-safety findings to accept, e.g. constructor,external-library-linking")
	fl.StringVar(&f.initializer, "initializer", "", `initializer function (default "initialize" when present)`)
	fl.StringArrayVar(&f.initArgs, "init-arg", nil, "initializer argument, repeatable")
	fl.StringArrayVar(&f.ctorArgs, "arg", nil, "constructor argument, repeatable")
	fl.StringVar(&f.key, "key", "", "report key (default the contract name)")
	fl.Uint64Var(&f.gasLimit, "gas-limit", 0, "implementation gas limit (default estimate)")
	return cmd
}

func isFactory(name string) bool {
	switch strings.ToLower(name) {
	case "factory", strings.ToLower(erc1967factory.ArtifactName):
		return true
	}
	return false
}

// validateCmd runs the upgrade-safety checks offline.
func validateCmd(o *options) *cobra.Command {
	var (
		kind        string
		unsafeAllow []string
	)
	cmd := &cobra.Command{
		Use:   "validate <artifact>",
		Short: "Check an artifact for upgrade safety without touching the network",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := safety.ParseProxyKind(kind)
			if err != nil {
				return usageError{err}
			}
			allow, err := safety.ParseKinds(unsafeAllow)
			if err != nil {
				return usageError{err}
			}
			file, err := o.loadFile()
			if err != nil {
				return err
			}
			a, err := o.artifactStore(file).Load(args[0])
			if err != nil {
				return err
			}
			findings, err := safety.Inspect(a, pk)
			if err != nil {
				return err
			}
			verr := safety.Validate(a, safety.Options{Kind: pk, UnsafeAllow: allow})

			if o.jsonOutput() {
				type finding struct {
					Kind    safety.Kind `json:"kind"`
					Detail  string      `json:"detail"`
					Allowed bool        `json:"allowed"`
				}
				out := struct {
					Contract string    `json:"contract"`
					Safe     bool      `json:"safe"`
					Findings []finding `json:"findings"`
				}{Contract: a.FullyQualifiedName(), Safe: verr == nil, Findings: []finding{}}
				for _, fd := range findings {
					out.Findings = append(out.Findings, finding{fd.Kind, fd.Detail, allowed(allow, fd.Kind)})
				}
				if err := printJSON(o.stdout, out); err != nil {
					return err
				}
				return verr
			}

			for _, fd := range findings {
				if allowed(allow, fd.Kind) {
					fmt.Fprintf(o.stdout, "allowed  %s: %s\n", fd.Kind, fd.Detail)
				}
			}
			if verr != nil {
				return verr
			}
			fmt.Fprintf(o.stdout, "%s is upgrade safe (%s)\n", a.FullyQualifiedName(), pk)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(safety.Transparent), "proxy kind: transparent or uups")
	cmd.Flags().StringSliceVar(&unsafeAllow, "unsafe-allow", nil, "upgrade-safety findings to accept")
	return cmd
}

func allowed(allow []safety.Kind, k safety.Kind) bool {
	for _, a := range allow {
		if a == k {
			return true
		}
	}
	return false
}
