package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func callCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <artifact> <address> <method> [args...]",
		Short: "Run a read-only call against a deployed contract",
		Args:  usageArgs(cobra.MinimumNArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[1])
			if err != nil {
				return usageError{err}
			}
			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				out, err := s.runner.Call(ctx, args[0], addr, args[2], args[3:])
				if err != nil {
					return err
				}
				if o.jsonOutput() {
					return printJSON(o.stdout, out)
				}
				for _, v := range out {
					fmt.Fprintln(o.stdout, formatValue(v))
				}
				return nil
			})
		},
	}
}

func statusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List recorded deployments and check they still exist on chain",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.noManifest {
				return usagef("status reads the manifest; drop --no-manifest")
			}
			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				entries, err := s.runner.Status(ctx)
				if err != nil {
					return err
				}

				if o.jsonOutput() {
					type row struct {
						Contract       string `json:"contract"`
						Kind           string `json:"kind"`
						Address        string `json:"address"`
						Implementation string `json:"implementation,omitempty"`
						TxHash         string `json:"tx_hash"`
						DeployedAt     string `json:"deployed_at"`
						Healthy        bool   `json:"healthy"`
					}
					rows := make([]row, 0, len(entries))
					for _, e := range entries {
						r := row{
							Contract:   e.Contract,
							Kind:       string(e.Kind),
							Address:    e.Address.Hex(),
							TxHash:     e.TxHash.Hex(),
							DeployedAt: e.DeployedAt.UTC().Format("2006-01-02T15:04:05Z"),
							Healthy:    e.Healthy(),
						}
						if e.Implementation != (common.Address{}) {
							r.Implementation = e.Implementation.Hex()
						}
						rows = append(rows, r)
					}
					return printJSON(o.stdout, rows)
				}

				if len(entries) == 0 {
					fmt.Fprintf(o.stdout, "no deployments recorded for %s (chain %d)\n", s.network.Name, s.deployer.ChainID())
					return nil
				}
				tw := tabwriter.NewWriter(o.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tCONTRACT\tADDRESS\tSTATE")
				for _, e := range entries {
					state := "ok"
					switch {
					case !e.HasCode:
						state = "no code"
					case !e.Healthy():
						state = "points at " + e.Current.Hex()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Kind, e.Contract, e.Address.Hex(), state)
				}
				return tw.Flush()
			})
		},
	}
}
