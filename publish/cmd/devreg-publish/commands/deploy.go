package commands

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/devreg/protocol/publish/contracts/devreg"
	"github.com/devreg/protocol/publish/contracts/stringlib"
	"github.com/devreg/protocol/publish/pipeline"
)

func deployCmd(o *options) *cobra.Command {
	var register bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy String, link it into DevReg, deploy DevReg and register a sample developer",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				stack, err := s.runner.DeployStack(ctx, register, devreg.SampleProfile)
				if err != nil {
					return err
				}
				if o.jsonOutput() {
					return printJSON(o.stdout, struct {
						pipeline.Report
						Registered *devreg.Profile `json:"registered,omitempty"`
					}{s.runner.Report(), stack.Registered})
				}
				printAddress(o.stdout, stringlib.Name(), stack.String.Address)
				printAddress(o.stdout, devreg.Name(), stack.DevReg.Address)
				if p := stack.Registered; p != nil {
					fmt.Fprintf(o.stdout, "Registered: %s (%s) available=%t\n", p.Name, p.Title, p.Available)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&register, "register", true, "register the sample developer profile and read it back")
	return cmd
}

func deployStringCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-string",
		Short: "Deploy the String library behind a transparent proxy",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				got, err := s.runner.DeployString(ctx)
				if err != nil {
					return err
				}
				if o.jsonOutput() {
					return printJSON(o.stdout, s.runner.Report())
				}
				printAddress(o.stdout, stringlib.Name(), got.Address)
				return nil
			})
		},
	}
}

func deployDevRegCmd(o *options) *cobra.Command {
	var stringLib string
	cmd := &cobra.Command{
		Use:   "deploy-devreg",
		Short: "Deploy DevReg behind a transparent proxy, linked against a deployed String library",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var libs map[string]common.Address
			if stringLib != "" {
				addr, err := parseAddress(stringLib)
				if err != nil {
					return usageError{fmt.Errorf("--string-library: %w", err)}
				}
				libs = map[string]common.Address{stringlib.Name(): addr}
			}
			return o.withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				got, err := s.runner.DeployDevReg(ctx, libs)
				if err != nil {
					return err
				}
				if o.jsonOutput() {
					return printJSON(o.stdout, s.runner.Report())
				}
				printAddress(o.stdout, devreg.Name(), got.Address)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stringLib, "string-library", "", "deployed String library (default from the network's libraries)")
	return cmd
}
