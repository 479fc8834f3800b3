package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devreg/protocol/publish"
	"github.com/devreg/protocol/publish/artifact"
	"github.com/devreg/protocol/publish/contracts/devreg"
	"github.com/devreg/protocol/publish/contracts/erc1967factory"
	"github.com/devreg/protocol/publish/internal/chaintest"
	"github.com/devreg/protocol/publish/logging"
	"github.com/devreg/protocol/publish/manifest"
	"github.com/devreg/protocol/publish/safety"
)

type harness struct {
	node      *chaintest.Node
	chain     *publish.Deployer
	artifacts *artifact.Store
	manifest  *manifest.Store
	spans     *tracetest.SpanRecorder
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	node := chaintest.NewNode(t)
	chaintest.WriteArtifacts(t, filepath.Join(dir, "artifacts"))

	key, err := crypto.HexToECDSA(chaintest.DevKeyHex)
	require.NoError(t, err)
	d, err := publish.NewDeployer(ctx, node.URL(), key, publish.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	m, err := manifest.Open(ctx, filepath.Join(dir, ".deployments", "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &harness{
		node:      node,
		chain:     d,
		artifacts: artifact.NewStore(filepath.Join(dir, "artifacts")),
		manifest:  m,
		spans:     tracetest.NewSpanRecorder(),
	}
}

func (h *harness) runner(t *testing.T, opts ...func(*Config)) *Runner {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	cfg := Config{
		Chain:     h.chain,
		Artifacts: h.artifacts,
		Manifest:  h.manifest,
		Logger:    logging.NewWithCore(core),
		Tracer:    tp.Tracer("pipeline-test"),
		Network:   "localhost",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func (h *harness) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range h.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("span %s not recorded", name)
	return nil
}

func creations(txs []chaintest.Tx) int {
	n := 0
	for _, tx := range txs {
		if tx.To == nil {
			n++
		}
	}
	return n
}

func predictedFactory(t *testing.T, store *artifact.Store, suffix string) common.Address {
	t.Helper()
	a, err := store.Load(erc1967factory.ArtifactName)
	require.NoError(t, err)
	code, err := a.Link(nil)
	require.NoError(t, err)
	salt := publish.GenerateSalt(chaintest.DevAddress, erc1967factory.SaltName(suffix))
	return publish.PredictCreate2Address(publish.ArachnidCreate2Factory, salt, code)
}

func TestNew_RequiresChainAndArtifacts(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = New(Config{Chain: h.chain})
	assert.Error(t, err)
}

func TestPreflight(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)

	acct, err := r.Preflight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chaintest.DevAddress, acct.Address)
	assert.Positive(t, acct.Balance.Sign())

	entries := h.logs.FilterMessage("deploying contracts with the account").All()
	require.Len(t, entries, 1)
	assert.Equal(t, chaintest.DevAddress.Hex(), entries[0].ContextMap()["account"])
	assert.Equal(t, 1, h.logs.FilterMessage("account balance").Len())
}

func TestDeployPlain(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	ctx := context.Background()

	got, err := r.DeployPlain(ctx, PlainRequest{Name: "String"})
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(chaintest.DevAddress, 0), got.Address)
	assert.NotEmpty(t, h.node.Code(got.Address))

	rec, err := h.manifest.Latest(ctx, 31337, "String", manifest.KindPlain)
	require.NoError(t, err)
	assert.Equal(t, got.Address, rec.Address)
	assert.Equal(t, "localhost", rec.Network)
	assert.Equal(t, chaintest.DevAddress, rec.Deployer)

	report := r.Report()
	assert.Equal(t, got.Address.Hex(), report.Contracts["String"].Address)
	assert.Equal(t, "plain", report.Contracts["String"].Kind)

	span := h.span(t, "publish.deploy_plain")
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestDeployPlain_ManifestWriteFails(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	require.NoError(t, h.manifest.Close())

	got, err := r.DeployPlain(context.Background(), PlainRequest{Name: "String"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.node.Code(got.Address))
	assert.Equal(t, got.Address.Hex(), r.Report().Contracts["String"].Address)

	warned := h.logs.FilterMessage("manifest not updated").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, "String", warned[0].ContextMap()["contract"])
}

func TestDeployPlain_UnknownArtifact(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)

	_, err := r.DeployPlain(context.Background(), PlainRequest{Name: "Missing"})
	require.ErrorIs(t, err, artifact.ErrNotFound)
	assert.Empty(t, h.node.Mined())
	assert.Equal(t, codes.Error, h.span(t, "publish.deploy_plain").Status().Code)
}

func TestDeployPlain_Reverted(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	h.node.RevertNext()

	_, err := r.DeployPlain(context.Background(), PlainRequest{Name: "String"})
	require.ErrorIs(t, err, publish.ErrReverted)

	failed := h.logs.FilterMessage("transaction failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)

	_, err = h.manifest.Latest(context.Background(), 31337, "String", manifest.KindPlain)
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestDeployStack_LinksString(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)

	stack, err := r.DeployStack(context.Background(), false, devreg.SampleProfile)
	require.NoError(t, err)
	assert.Nil(t, stack.Registered)

	code := h.node.Code(stack.DevReg.Address)
	require.Greater(t, len(code), chaintest.LibraryOffset+common.AddressLength)
	assert.Equal(t, stack.String.Address.Bytes(), code[chaintest.LibraryOffset:chaintest.LibraryOffset+common.AddressLength])
	assert.Len(t, h.node.Mined(), 2)
}

func TestDeployStack_FreshStringWinsOverNetworkDefault(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, func(c *Config) {
		c.Libraries = map[string]common.Address{"String": common.HexToAddress("0xa1")}
	})

	stack, err := r.DeployStack(context.Background(), false, devreg.SampleProfile)
	require.NoError(t, err)

	code := h.node.Code(stack.DevReg.Address)
	assert.Equal(t, stack.String.Address.Bytes(), code[chaintest.LibraryOffset:chaintest.LibraryOffset+common.AddressLength])
}

func TestDeployStack_Register(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)

	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	boolean, err := abi.NewType("bool", "", nil)
	require.NoError(t, err)

	h.node.HandleCall(crypto.Keccak256([]byte("namesByAddress(address)"))[:4], func([]byte) ([]byte, error) {
		return abi.Arguments{{Type: str}}.Pack("devvie")
	})
	h.node.HandleCall(crypto.Keccak256([]byte("developers(string)"))[:4], func([]byte) ([]byte, error) {
		p := devreg.SampleProfile
		return abi.Arguments{{Type: str}, {Type: str}, {Type: str}, {Type: boolean}, {Type: str}, {Type: str}}.
			Pack(p.Name, p.Title, p.Bio, p.Available, p.Github, p.Avatar)
	})

	stack, err := r.DeployStack(context.Background(), true, devreg.SampleProfile)
	require.NoError(t, err)
	require.NotNil(t, stack.Registered)
	assert.Equal(t, devreg.SampleProfile, *stack.Registered)

	mined := h.node.Mined()
	require.Len(t, mined, 3)
	register := mined[2]
	require.NotNil(t, register.To)
	assert.Equal(t, stack.DevReg.Address, *register.To)
	assert.Equal(t, crypto.Keccak256([]byte("register(string,string,string,bool,string,string)"))[:4], register.Selector[:])
	h.span(t, "publish.register")
}

func TestLookup_NotRegistered(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	h.node.HandleCall(crypto.Keccak256([]byte("namesByAddress(address)"))[:4], func([]byte) ([]byte, error) {
		return abi.Arguments{{Type: str}}.Pack("")
	})

	_, err = r.Lookup(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000d1"), chaintest.DevAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestDeployString_TransparentProxy(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)

	got, err := r.DeployString(context.Background())
	require.NoError(t, err)
	assert.False(t, got.Reused)
	assert.Equal(t, chaintest.DevAddress, got.Admin)
	assert.NotEmpty(t, h.node.Code(got.Address))
	assert.Equal(t, common.BytesToHash(got.Implementation.Bytes()), h.node.Storage(got.Address, publish.ImplementationSlot))

	factory := predictedFactory(t, h.artifacts, "")
	assert.NotEmpty(t, h.node.Code(factory))

	mined := h.node.Mined()
	require.Len(t, mined, 3)
	assert.Nil(t, mined[0].To)
	assert.Equal(t, chaintest.Create2Deployer, *mined[1].To)
	assert.Equal(t, factory, *mined[2].To)

	report := r.Report()
	assert.Equal(t, factory.Hex(), report.Factory)
	assert.Equal(t, got.Address.Hex(), report.Contracts["String"].Address)
	assert.Equal(t, got.Implementation.Hex(), report.Contracts["String"].Implementation)

	for _, name := range []string{"publish.deploy_proxy", "publish.ensure_factory"} {
		assert.Equal(t, codes.Unset, h.span(t, name).Status().Code, name)
	}
	assert.Equal(t, 1, h.logs.FilterMessage("deploying contracts with the account").Len())
}

func TestDeployProxy_ReusesImplementation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.runner(t).DeployString(ctx)
	require.NoError(t, err)
	before := len(h.node.Mined())

	second, err := h.runner(t).DeployString(ctx)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Implementation, second.Implementation)
	assert.NotEqual(t, first.Address, second.Address)

	mined := h.node.Mined()
	require.Len(t, mined, before+1)
	assert.Equal(t, 1, creations(mined))
	assert.Equal(t, 1, h.logs.FilterMessage("reusing implementation").Len())
}

func TestDeployProxy_RedeploysMissingImplementation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.runner(t).DeployString(ctx)
	require.NoError(t, err)
	h.node.RemoveCode(first.Implementation)

	second, err := h.runner(t).DeployString(ctx)
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.Implementation, second.Implementation)
	assert.Equal(t, 2, creations(h.node.Mined()))
}

func TestDeployProxy_DevRegNeedsUnsafeAllow(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	ctx := context.Background()

	lib, err := r.DeployPlain(ctx, PlainRequest{Name: "String"})
	require.NoError(t, err)
	libs := map[string]common.Address{"String": lib.Address}

	_, err = r.DeployProxy(ctx, ProxyRequest{Name: "DevReg", Libraries: libs})
	var verr *safety.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Findings, 3)
	assert.Len(t, h.node.Mined(), 1)

	got, err := r.DeployDevReg(ctx, libs)
	require.NoError(t, err)
	impl := h.node.Code(got.Implementation)
	assert.Equal(t, lib.Address.Bytes(), impl[chaintest.LibraryOffset:chaintest.LibraryOffset+common.AddressLength])
}

func TestDeployDevReg_NetworkLibrary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lib := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	_, err := h.runner(t).DeployDevReg(ctx, nil)
	require.ErrorIs(t, err, artifact.ErrUnlinked)

	r := h.runner(t, func(c *Config) {
		c.Libraries = map[string]common.Address{"String": lib}
	})
	got, err := r.DeployDevReg(ctx, nil)
	require.NoError(t, err)
	impl := h.node.Code(got.Implementation)
	assert.Equal(t, lib.Bytes(), impl[chaintest.LibraryOffset:chaintest.LibraryOffset+common.AddressLength])

	// network libraries are only applied where they are linked
	_, err = r.DeployPlain(ctx, PlainRequest{Name: "String"})
	assert.NoError(t, err)
}

func TestDeployProxy_UUPS(t *testing.T) {
	h := newHarness(t)
	h.node.RegisterProxyInitCode(chaintest.ProxyCreationCode())
	r := h.runner(t)
	ctx := context.Background()

	got, err := r.DeployProxy(ctx, ProxyRequest{
		Name:     "Registry",
		Kind:     safety.UUPS,
		InitArgs: []string{chaintest.DevAddress.Hex()},
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(chaintest.DevAddress, 1), got.Address)
	assert.Equal(t, common.Address{}, got.Admin)
	assert.Equal(t, common.BytesToHash(got.Implementation.Bytes()), h.node.Storage(got.Address, publish.ImplementationSlot))

	// no factory involved
	assert.Len(t, h.node.Mined(), 2)
	assert.Empty(t, r.Report().Factory)

	_, err = r.DeployProxy(ctx, ProxyRequest{Name: "String", Kind: safety.UUPS})
	var verr *safety.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, safety.MissingPublicUpgradeTo, verr.Findings[0].Kind)
}

func TestDeployProxy_ImplementationMismatch(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	ctx := context.Background()

	// without a registered ERC1967Proxy prefix the node never writes the slot
	_, err := r.DeployProxy(ctx, ProxyRequest{
		Name:     "Registry",
		Kind:     safety.UUPS,
		InitArgs: []string{chaintest.DevAddress.Hex()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected implementation")

	_, err = h.manifest.Latest(ctx, 31337, "Registry", manifest.KindProxy)
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestEnsureFactory_Configured(t *testing.T) {
	h := newHarness(t)
	factory := common.HexToAddress("0x0000000000006396FF2a80c067f99B3d2Ab4Df24")

	r := h.runner(t, func(c *Config) { c.Factory = factory })
	_, err := r.EnsureFactory(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no code")
	assert.Equal(t, codes.Error, h.span(t, "publish.ensure_factory").Status().Code)

	h.node.SetCode(factory, []byte{0x60, 0x00})
	r = h.runner(t, func(c *Config) { c.Factory = factory })
	got, err := r.EnsureFactory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, factory, got)
	assert.Empty(t, h.node.Mined())
}

func TestEnsureFactory_SaltSuffix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plain, err := h.runner(t).EnsureFactory(ctx)
	require.NoError(t, err)
	suffixed, err := h.runner(t, func(c *Config) { c.FactorySaltSuffix = "v2" }).EnsureFactory(ctx)
	require.NoError(t, err)

	assert.Equal(t, predictedFactory(t, h.artifacts, ""), plain)
	assert.Equal(t, predictedFactory(t, h.artifacts, "v2"), suffixed)
	assert.NotEqual(t, plain, suffixed)
}

func TestEnsureFactory_WithoutCreate2Deployer(t *testing.T) {
	h := newHarness(t)
	h.node.RemoveCreate2Deployer()
	ctx := context.Background()

	r := h.runner(t)
	got, err := r.EnsureFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(chaintest.DevAddress, 0), got)
	assert.Equal(t, 1, h.logs.FilterMessage("no CREATE2 deployer on this chain, deploying factory with CREATE").Len())

	// cached for the rest of the run
	again, err := r.EnsureFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	// a later run finds it through the manifest
	r = h.runner(t)
	again, err = r.EnsureFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Len(t, h.node.Mined(), 1)
	assert.Equal(t, "manifest", h.logs.FilterMessage("using factory").All()[0].ContextMap()["source"])
}

func TestCall(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	address, err := abi.NewType("address", "", nil)
	require.NoError(t, err)
	h.node.HandleCall(crypto.Keccak256([]byte("owner()"))[:4], func([]byte) ([]byte, error) {
		return abi.Arguments{{Type: address}}.Pack(chaintest.DevAddress)
	})

	out, err := r.Call(context.Background(), "DevReg", common.HexToAddress("0x00000000000000000000000000000000000000d2"), "owner", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{chaintest.DevAddress}, out)

	_, err = r.Call(context.Background(), "DevReg", common.Address{}, "nope", nil)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	ctx := context.Background()

	got, err := r.DeployString(ctx)
	require.NoError(t, err)

	entries, err := r.Status(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	kinds := map[manifest.Kind]Entry{}
	for _, e := range entries {
		assert.True(t, e.Healthy(), e.Contract)
		kinds[e.Kind] = e
	}
	assert.Equal(t, got.Implementation, kinds[manifest.KindProxy].Current)
	assert.Contains(t, kinds, manifest.KindFactory)
	assert.Contains(t, kinds, manifest.KindImplementation)

	h.node.RemoveCode(got.Address)
	entries, err = r.Status(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, e.Kind != manifest.KindProxy, e.Healthy(), e.Contract)
	}
	assert.Equal(t, 1, h.logs.FilterMessage("deployment drifted").Len())
}

func TestStatus_WithoutManifest(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, func(c *Config) { c.Manifest = nil })

	_, err := r.Status(context.Background())
	assert.Error(t, err)

	// deployments still work, nothing is recorded or reused
	_, err = r.DeployString(context.Background())
	require.NoError(t, err)
	_, err = r.DeployString(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, creations(h.node.Mined()))
}

func TestStatus_RPCFailure(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t)
	ctx := context.Background()
	_, err := r.DeployPlain(ctx, PlainRequest{Name: "String"})
	require.NoError(t, err)

	h.node.Fail("eth_getCode", "boom")
	_, err = r.Status(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
