// Package pipeline sequences the steps of a deployment: preflight, library
// linking, implementation reuse, factory bootstrap, proxy creation and
// manifest bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/devreg/protocol/publish"
	"github.com/devreg/protocol/publish/artifact"
	"github.com/devreg/protocol/publish/logging"
	"github.com/devreg/protocol/publish/manifest"
	"github.com/devreg/protocol/publish/telemetry"
)

// Chain is the subset of *publish.Deployer the pipeline drives.
type Chain interface {
	Address() common.Address
	ChainID() uint64
	Balance(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (publish.DeployResult, error)
	DeployDeterministic(ctx context.Context, salt common.Hash, initCode []byte, gasLimit uint64) (publish.DeployResult, error)
	DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error)
	ImplementationOf(ctx context.Context, proxy common.Address) (common.Address, error)
	Transact(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Chain = (*publish.Deployer)(nil)

type Config struct {
	Chain     Chain
	Artifacts *artifact.Store
	// Manifest is optional; without it nothing is reused or recorded.
	Manifest *manifest.Store
	Logger   *logging.Logger
	Tracer   trace.Tracer
	Network  string

	// Factory is an existing ERC1967Factory. When zero one is found or
	// deployed deterministically.
	Factory           common.Address
	FactorySaltSuffix string
	// Admin defaults to the deployer.
	Admin common.Address
	// Libraries are network-wide library addresses, applied to artifacts
	// that link them unless a request binds them explicitly.
	Libraries map[string]common.Address
}

type Runner struct {
	chain     Chain
	artifacts *artifact.Store
	manifest  *manifest.Store
	log       *logging.Logger
	tracer    trace.Tracer
	network   string
	factory   common.Address
	resolved  common.Address
	saltName  string
	admin     common.Address
	libraries map[string]common.Address
	report    Report
}

func New(cfg Config) (*Runner, error) {
	if cfg.Chain == nil {
		return nil, errors.New("pipeline: chain is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("pipeline: artifact store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	admin := cfg.Admin
	if admin == (common.Address{}) {
		admin = cfg.Chain.Address()
	}
	return &Runner{
		chain:     cfg.Chain,
		artifacts: cfg.Artifacts,
		manifest:  cfg.Manifest,
		log:       log.With("network", cfg.Network, "chain_id", cfg.Chain.ChainID()),
		tracer:    tracer,
		network:   cfg.Network,
		factory:   cfg.Factory,
		saltName:  cfg.FactorySaltSuffix,
		admin:     admin,
		libraries: cfg.Libraries,
		report: Report{
			Network:   cfg.Network,
			ChainID:   cfg.Chain.ChainID(),
			Deployer:  cfg.Chain.Address().Hex(),
			Contracts: map[string]ContractReport{},
		},
	}, nil
}

// Report returns what the runner has deployed or reused so far.
func (r *Runner) Report() Report {
	out := r.report
	out.Contracts = make(map[string]ContractReport, len(r.report.Contracts))
	for k, v := range r.report.Contracts {
		out.Contracts[k] = v
	}
	return out
}

// Account is the signer a run deploys from.
type Account struct {
	Address common.Address
	Balance *big.Int
}

// Preflight reports the deploying account and its balance.
func (r *Runner) Preflight(ctx context.Context) (Account, error) {
	balance, err := r.chain.Balance(ctx)
	if err != nil {
		return Account{}, err
	}
	account := Account{Address: r.chain.Address(), Balance: balance}
	r.log.Info("deploying contracts with the account", "account", account.Address.Hex())
	r.log.Info("account balance", "wei", balance.String())
	if balance.Sign() == 0 {
		r.log.Warn("deployer has no funds", "account", account.Address.Hex())
	}
	return account, nil
}

// bindings merges explicit library addresses with the network defaults for
// libraries a links but the request did not bind.
func (r *Runner) bindings(a *artifact.Artifact, explicit map[string]common.Address) map[string]common.Address {
	out := make(map[string]common.Address, len(explicit))
	bound := map[string]bool{}
	for k, v := range explicit {
		out[k] = v
		bound[k] = true
	}
	for _, fq := range a.Libraries() {
		bare := fq[strings.LastIndex(fq, ":")+1:]
		if bound[fq] || bound[bare] {
			continue
		}
		if addr, ok := r.libraries[fq]; ok {
			out[fq] = addr
		} else if addr, ok := r.libraries[bare]; ok {
			out[fq] = addr
		}
	}
	return out
}

func (r *Runner) confirm(ctx context.Context, what string, hash common.Hash) (*types.Receipt, error) {
	receipt, err := r.chain.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", what, err)
	}
	if err := publish.CheckReceipt(receipt); err != nil {
		r.log.Error("transaction failed", "step", what, "tx", hash.Hex(), "block", blockNumber(receipt))
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return receipt, nil
}

func (r *Runner) record(ctx context.Context, d manifest.Deployment) {
	if r.manifest == nil {
		return
	}
	d.ChainID = r.chain.ChainID()
	d.Network = r.network
	d.Deployer = r.chain.Address()
	if _, err := r.manifest.Record(ctx, d); err != nil {
		r.log.Warn("manifest not updated", "contract", d.Contract, "kind", string(d.Kind), "error", err)
	}
}

func (r *Runner) addReport(key string, c ContractReport) {
	r.report.Contracts[key] = c
}

func blockNumber(receipt *types.Receipt) uint64 {
	if receipt == nil || receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}

func (r *Runner) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("network", r.network),
		attribute.Int64("chain_id", int64(r.chain.ChainID())),
	)
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
