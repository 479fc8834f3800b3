package pipeline

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/devreg/protocol/publish/contracts/devreg"
	"github.com/devreg/protocol/publish/contracts/stringlib"
	"github.com/devreg/protocol/publish/safety"
)

// DeployString puts the String library behind a transparent proxy.
func (r *Runner) DeployString(ctx context.Context) (Deployed, error) {
	if _, err := r.Preflight(ctx); err != nil {
		return Deployed{}, err
	}
	return r.DeployProxy(ctx, ProxyRequest{
		Name: stringlib.ArtifactName,
		Kind: safety.Transparent,
	})
}

// DeployDevReg puts DevReg behind a transparent proxy, linked against an
// already deployed String library. libs may be empty when the network
// configuration binds String.
func (r *Runner) DeployDevReg(ctx context.Context, libs map[string]common.Address) (Deployed, error) {
	if _, err := r.Preflight(ctx); err != nil {
		return Deployed{}, err
	}
	return r.DeployProxy(ctx, ProxyRequest{
		Name:        devreg.ArtifactName,
		Kind:        safety.Transparent,
		UnsafeAllow: devreg.UnsafeAllow(),
		Libraries:   libs,
	})
}

// Stack is the result of a full deployment.
type Stack struct {
	String     Deployed
	DevReg     Deployed
	Registered *devreg.Profile
}

// DeployStack deploys String, links it into DevReg and deploys DevReg, both
// without proxies. With register set it registers profile from the deployer
// and reads it back.
func (r *Runner) DeployStack(ctx context.Context, register bool, profile devreg.Profile) (Stack, error) {
	if _, err := r.Preflight(ctx); err != nil {
		return Stack{}, err
	}
	var (
		out Stack
		err error
	)
	out.String, err = r.DeployPlain(ctx, PlainRequest{Name: stringlib.ArtifactName})
	if err != nil {
		return Stack{}, err
	}
	out.DevReg, err = r.DeployPlain(ctx, PlainRequest{
		Name:      devreg.ArtifactName,
		Libraries: map[string]common.Address{stringlib.FullyQualifiedName: out.String.Address},
	})
	if err != nil {
		return Stack{}, err
	}
	if !register {
		return out, nil
	}
	if _, err := r.Register(ctx, out.DevReg.Address, profile); err != nil {
		return Stack{}, err
	}
	got, err := r.Lookup(ctx, out.DevReg.Address, r.chain.Address())
	if err != nil {
		return Stack{}, err
	}
	out.Registered = &got
	return out, nil
}

// Register submits a developer profile to the registry at addr.
func (r *Runner) Register(ctx context.Context, addr common.Address, p devreg.Profile) (_ common.Hash, err error) {
	ctx, span := r.startSpan(ctx, "publish.register",
		attribute.String("registry", addr.Hex()),
		attribute.String("developer", p.Name),
	)
	defer func() { endSpan(span, err) }()

	data, err := devreg.EncodeRegister(p)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode register: %w", err)
	}
	txHash, err := r.chain.Transact(ctx, addr, data, 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("register %s: %w", p.Name, err)
	}
	if _, err := r.confirm(ctx, "register", txHash); err != nil {
		return common.Hash{}, err
	}
	r.log.Info("developer registered", "name", p.Name, "registry", addr.Hex(), "tx", txHash.Hex())
	return txHash, nil
}

// Lookup reads the profile account registered with the registry at addr.
func (r *Runner) Lookup(ctx context.Context, addr, account common.Address) (devreg.Profile, error) {
	data, err := devreg.EncodeNamesByAddress(account)
	if err != nil {
		return devreg.Profile{}, err
	}
	out, err := r.chain.Call(ctx, addr, data)
	if err != nil {
		return devreg.Profile{}, fmt.Errorf("namesByAddress(%s): %w", account.Hex(), err)
	}
	name, err := devreg.DecodeName(out)
	if err != nil {
		return devreg.Profile{}, err
	}
	if name == "" {
		return devreg.Profile{}, fmt.Errorf("%s is not registered", account.Hex())
	}

	if data, err = devreg.EncodeDevelopers(name); err != nil {
		return devreg.Profile{}, err
	}
	if out, err = r.chain.Call(ctx, addr, data); err != nil {
		return devreg.Profile{}, fmt.Errorf("developers(%q): %w", name, err)
	}
	p, err := devreg.DecodeProfile(out)
	if err != nil {
		return devreg.Profile{}, err
	}
	r.log.Debug("developer", "name", p.Name, "title", p.Title, "available", p.Available)
	return p, nil
}

// Call runs a read-only call of method on the contract at addr, using the ABI
// of the named artifact.
func (r *Runner) Call(ctx context.Context, name string, addr common.Address, method string, args []string) ([]any, error) {
	a, err := r.artifacts.Load(name)
	if err != nil {
		return nil, err
	}
	data, err := a.CallData(method, args)
	if err != nil {
		return nil, err
	}
	out, err := r.chain.Call(ctx, addr, data)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s at %s: %w", a.ContractName, method, addr.Hex(), err)
	}
	return a.DecodeOutputs(method, out)
}
