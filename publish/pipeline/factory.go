package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/devreg/protocol/publish"
	"github.com/devreg/protocol/publish/contracts/erc1967factory"
	"github.com/devreg/protocol/publish/manifest"
)

// EnsureFactory returns the ERC1967Factory transparent proxies are deployed
// through. In order of preference: the configured address, the factory at
// this deployer's deterministic address, the last factory the manifest
// recorded, a fresh deterministic deployment and, on chains without the
// CREATE2 deployer, a plain deployment. The result is cached for the run.
func (r *Runner) EnsureFactory(ctx context.Context) (_ common.Address, err error) {
	if r.resolved != (common.Address{}) {
		return r.resolved, nil
	}
	ctx, span := r.startSpan(ctx, "publish.ensure_factory")
	defer func() { endSpan(span, err) }()

	addr, source, err := r.findOrDeployFactory(ctx)
	if err != nil {
		return common.Address{}, err
	}
	span.SetAttributes(attribute.String("address", addr.Hex()), attribute.String("source", source))
	r.log.Info("using factory", "address", addr.Hex(), "source", source)
	r.resolved = addr
	r.report.Factory = addr.Hex()
	return addr, nil
}

func (r *Runner) hasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := r.chain.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

func (r *Runner) findOrDeployFactory(ctx context.Context) (common.Address, string, error) {
	if r.factory != (common.Address{}) {
		ok, err := r.hasCode(ctx, r.factory)
		if err != nil {
			return common.Address{}, "", err
		}
		if !ok {
			return common.Address{}, "", fmt.Errorf("factory address %s has no code", r.factory.Hex())
		}
		return r.factory, "configured", nil
	}

	a, err := r.artifacts.Load(erc1967factory.ArtifactName)
	if err != nil {
		return common.Address{}, "", err
	}
	initCode, err := a.Link(nil)
	if err != nil {
		return common.Address{}, "", err
	}
	salt := publish.GenerateSalt(r.chain.Address(), erc1967factory.SaltName(r.saltName))
	predicted := publish.PredictCreate2Address(publish.ArachnidCreate2Factory, salt, initCode)

	ok, err := r.hasCode(ctx, predicted)
	if err != nil {
		return common.Address{}, "", err
	}
	if ok {
		return predicted, "deterministic", nil
	}

	// A salt suffix asks for a fresh factory, so earlier records don't apply.
	if r.manifest != nil && r.saltName == "" {
		prev, err := r.manifest.Latest(ctx, r.chain.ChainID(), erc1967factory.Name(), manifest.KindFactory)
		switch {
		case err == nil:
			ok, err := r.hasCode(ctx, prev.Address)
			if err != nil {
				return common.Address{}, "", err
			}
			if ok {
				return prev.Address, "manifest", nil
			}
		case !errors.Is(err, manifest.ErrNotFound):
			return common.Address{}, "", fmt.Errorf("look up factory: %w", err)
		}
	}

	create2, err := r.hasCode(ctx, publish.ArachnidCreate2Factory)
	if err != nil {
		return common.Address{}, "", err
	}

	var (
		result publish.DeployResult
		source string
	)
	if create2 {
		result, err = r.chain.DeployDeterministic(ctx, salt, initCode, erc1967factory.GasLimit)
		source = "deployed deterministically"
	} else {
		r.log.Warn("no CREATE2 deployer on this chain, deploying factory with CREATE",
			"create2_deployer", publish.ArachnidCreate2Factory.Hex())
		result, err = r.chain.DeployImplementation(ctx, initCode, erc1967factory.GasLimit)
		source = "deployed"
	}
	if err != nil {
		return common.Address{}, "", fmt.Errorf("deploy %s: %w", erc1967factory.Name(), err)
	}
	receipt, err := r.confirm(ctx, erc1967factory.Name(), result.TxHash)
	if err != nil {
		return common.Address{}, "", err
	}

	r.record(ctx, manifest.Deployment{
		Contract:     erc1967factory.Name(),
		Kind:         manifest.KindFactory,
		Address:      result.ContractAddress,
		BytecodeHash: crypto.Keccak256Hash(initCode),
		TxHash:       result.TxHash,
		BlockNumber:  blockNumber(receipt),
	})
	return result.ContractAddress, source, nil
}
