package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/devreg/protocol/publish"
	"github.com/devreg/protocol/publish/artifact"
	"github.com/devreg/protocol/publish/contracts/erc1967proxy"
	"github.com/devreg/protocol/publish/manifest"
	"github.com/devreg/protocol/publish/safety"
)

type PlainRequest struct {
	// Name is a bare or fully qualified artifact name.
	Name      string
	Key       string
	Libraries map[string]common.Address
	Args      []string
	// GasLimit 0 estimates.
	GasLimit uint64
}

type ProxyRequest struct {
	Name            string
	Key             string
	Kind            safety.ProxyKind
	UnsafeAllow     []safety.Kind
	Libraries       map[string]common.Address
	ConstructorArgs []string
	// Initializer defaults to "initialize" when the ABI has one.
	Initializer string
	InitArgs    []string
	// Admin of a transparent proxy; defaults to the runner's admin.
	Admin    common.Address
	GasLimit uint64
}

func reportKey(key string, a *artifact.Artifact) string {
	if key != "" {
		return key
	}
	return a.ContractName
}

// creationCode links a and appends the encoded constructor arguments.
func (r *Runner) creationCode(a *artifact.Artifact, libs map[string]common.Address, args []string) ([]byte, error) {
	code, err := a.Link(r.bindings(a, libs))
	if err != nil {
		return nil, err
	}
	ctorArgs, err := a.EncodeConstructor(args)
	if err != nil {
		return nil, err
	}
	return append(code, ctorArgs...), nil
}

// DeployPlain deploys an artifact with CREATE and records it as a plain
// deployment.
func (r *Runner) DeployPlain(ctx context.Context, req PlainRequest) (_ Deployed, err error) {
	ctx, span := r.startSpan(ctx, "publish.deploy_plain", attribute.String("contract", req.Name))
	defer func() { endSpan(span, err) }()

	a, err := r.artifacts.Load(req.Name)
	if err != nil {
		return Deployed{}, err
	}
	initCode, err := r.creationCode(a, req.Libraries, req.Args)
	if err != nil {
		return Deployed{}, err
	}

	r.log.Debug("deploying", "contract", a.ContractName, "bytes", len(initCode))
	result, err := r.chain.DeployImplementation(ctx, initCode, req.GasLimit)
	if err != nil {
		return Deployed{}, fmt.Errorf("deploy %s: %w", a.ContractName, err)
	}
	receipt, err := r.confirm(ctx, a.ContractName, result.TxHash)
	if err != nil {
		return Deployed{}, err
	}

	out := Deployed{Contract: a.ContractName, Address: result.ContractAddress, TxHash: result.TxHash}
	r.record(ctx, manifest.Deployment{
		Contract:     a.ContractName,
		Kind:         manifest.KindPlain,
		Address:      out.Address,
		BytecodeHash: crypto.Keccak256Hash(initCode),
		TxHash:       out.TxHash,
		BlockNumber:  blockNumber(receipt),
	})
	r.addReport(reportKey(req.Key, a), out.report(string(manifest.KindPlain)))
	span.SetAttributes(attribute.String("address", out.Address.Hex()))
	r.log.Info("deployed", "contract", a.ContractName, "address", out.Address.Hex(), "tx", out.TxHash.Hex())
	return out, nil
}

// DeployProxy validates the implementation for upgrade safety, reuses or
// deploys it, then puts a proxy in front of it. Transparent proxies go
// through the ERC1967Factory; UUPS proxies are ERC1967Proxy instances.
func (r *Runner) DeployProxy(ctx context.Context, req ProxyRequest) (_ Deployed, err error) {
	kind := req.Kind
	if kind == "" {
		kind = safety.Transparent
	}
	ctx, span := r.startSpan(ctx, "publish.deploy_proxy",
		attribute.String("contract", req.Name),
		attribute.String("proxy_kind", string(kind)),
	)
	defer func() { endSpan(span, err) }()

	a, err := r.artifacts.Load(req.Name)
	if err != nil {
		return Deployed{}, err
	}
	if err := safety.Validate(a, safety.Options{Kind: kind, UnsafeAllow: req.UnsafeAllow}); err != nil {
		return Deployed{}, err
	}
	initCode, err := r.creationCode(a, req.Libraries, req.ConstructorArgs)
	if err != nil {
		return Deployed{}, err
	}
	initData, err := a.InitializerData(req.Initializer, req.InitArgs)
	if err != nil {
		return Deployed{}, err
	}

	impl, reused, err := r.implementation(ctx, a.ContractName, initCode, req.GasLimit)
	if err != nil {
		return Deployed{}, err
	}
	span.SetAttributes(
		attribute.String("implementation", impl.Hex()),
		attribute.Bool("implementation_reused", reused),
	)

	out := Deployed{Contract: a.ContractName, Implementation: impl, Reused: reused}
	var blockNum uint64
	switch kind {
	case safety.Transparent:
		out.Admin = req.Admin
		if out.Admin == (common.Address{}) {
			out.Admin = r.admin
		}
		factory, err := r.EnsureFactory(ctx)
		if err != nil {
			return Deployed{}, err
		}
		txHash, err := r.chain.DeployProxy(ctx, factory, impl, out.Admin, initData, publish.ProxyGasLimit)
		if err != nil {
			return Deployed{}, fmt.Errorf("deploy %s proxy: %w", a.ContractName, err)
		}
		receipt, err := r.confirm(ctx, a.ContractName+" proxy", txHash)
		if err != nil {
			return Deployed{}, err
		}
		proxy, err := publish.ProxyAddressFromReceipt(receipt)
		if err != nil {
			return Deployed{}, err
		}
		out.Address, out.TxHash, blockNum = proxy, txHash, blockNumber(receipt)
	case safety.UUPS:
		proxyArtifact, err := r.artifacts.Load(erc1967proxy.ArtifactName)
		if err != nil {
			return Deployed{}, err
		}
		proxyCode, err := proxyArtifact.Link(nil)
		if err != nil {
			return Deployed{}, err
		}
		ctorArgs, err := erc1967proxy.EncodeConstructor(impl, initData)
		if err != nil {
			return Deployed{}, fmt.Errorf("encode %s constructor: %w", erc1967proxy.Name(), err)
		}
		result, err := r.chain.DeployImplementation(ctx, append(proxyCode, ctorArgs...), erc1967proxy.GasLimit)
		if err != nil {
			return Deployed{}, fmt.Errorf("deploy %s proxy: %w", a.ContractName, err)
		}
		receipt, err := r.confirm(ctx, a.ContractName+" proxy", result.TxHash)
		if err != nil {
			return Deployed{}, err
		}
		out.Address, out.TxHash, blockNum = result.ContractAddress, result.TxHash, blockNumber(receipt)
	default:
		return Deployed{}, fmt.Errorf("unsupported proxy kind %q", kind)
	}

	current, err := r.chain.ImplementationOf(ctx, out.Address)
	if err != nil {
		return Deployed{}, err
	}
	if current != impl {
		return Deployed{}, fmt.Errorf("proxy %s points at %s, expected implementation %s",
			out.Address.Hex(), current.Hex(), impl.Hex())
	}

	r.record(ctx, manifest.Deployment{
		Contract:       a.ContractName,
		Kind:           manifest.KindProxy,
		Address:        out.Address,
		Implementation: impl,
		Admin:          out.Admin,
		BytecodeHash:   crypto.Keccak256Hash(initCode),
		TxHash:         out.TxHash,
		BlockNumber:    blockNum,
	})
	r.addReport(reportKey(req.Key, a), out.report(string(manifest.KindProxy)))
	span.SetAttributes(attribute.String("address", out.Address.Hex()))
	r.log.Info("proxy deployed",
		"contract", a.ContractName,
		"kind", string(kind),
		"proxy", out.Address.Hex(),
		"implementation", impl.Hex(),
		"reused", reused,
	)
	return out, nil
}

// implementation returns a live implementation deployed from initCode,
// deploying one if the manifest has none.
func (r *Runner) implementation(ctx context.Context, contract string, initCode []byte, gasLimit uint64) (common.Address, bool, error) {
	hash := crypto.Keccak256Hash(initCode)
	if r.manifest != nil {
		prev, err := r.manifest.FindImplementation(ctx, r.chain.ChainID(), hash)
		switch {
		case err == nil:
			code, err := r.chain.CodeAt(ctx, prev.Address)
			if err != nil {
				return common.Address{}, false, err
			}
			if len(code) > 0 {
				r.log.Info("reusing implementation", "contract", contract, "address", prev.Address.Hex())
				return prev.Address, true, nil
			}
			r.log.Warn("recorded implementation has no code", "contract", contract, "address", prev.Address.Hex())
		case !errors.Is(err, manifest.ErrNotFound):
			return common.Address{}, false, fmt.Errorf("look up %s implementation: %w", contract, err)
		}
	}

	result, err := r.chain.DeployImplementation(ctx, initCode, gasLimit)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("deploy %s implementation: %w", contract, err)
	}
	receipt, err := r.confirm(ctx, contract+" implementation", result.TxHash)
	if err != nil {
		return common.Address{}, false, err
	}
	r.record(ctx, manifest.Deployment{
		Contract:     contract,
		Kind:         manifest.KindImplementation,
		Address:      result.ContractAddress,
		BytecodeHash: hash,
		TxHash:       result.TxHash,
		BlockNumber:  blockNumber(receipt),
	})
	r.log.Info("implementation deployed", "contract", contract, "address", result.ContractAddress.Hex())
	return result.ContractAddress, false, nil
}
