package artifact

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/devreg/protocol/publish/internal/chaintest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stringLib = common.HexToAddress("0xD441D2B289D5783ebD05fb2D04726Cf7C8DB37f4")

func fixtureStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	chaintest.WriteArtifacts(t, root)
	return NewStore(root)
}

func TestStoreLoad_BareAndQualifiedNames(t *testing.T) {
	store := fixtureStore(t)

	bare, err := store.Load("DevReg")
	require.NoError(t, err)
	assert.Equal(t, "DevReg", bare.ContractName)
	assert.Equal(t, "contracts/DevReg.sol", bare.SourceName)
	assert.Equal(t, chaintest.DevRegFQN, bare.FullyQualifiedName())

	qualified, err := store.Load(chaintest.DevRegFQN)
	require.NoError(t, err)
	assert.Equal(t, bare.Path, qualified.Path)
}

func TestStoreLoad_NotFound(t *testing.T) {
	store := fixtureStore(t)

	_, err := store.Load("Missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewStore(filepath.Join(t.TempDir(), "nope")).Load("DevReg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoad_Ambiguous(t *testing.T) {
	root := t.TempDir()
	for _, source := range []string{"contracts/a/Token.sol", "contracts/b/Token.sol"} {
		dir := filepath.Join(root, filepath.FromSlash(source))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		doc := `{"contractName":"Token","sourceName":"` + source + `","abi":[],"bytecode":"0x00","deployedBytecode":"0x00"}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Token.json"), []byte(doc), 0o644))
	}
	store := NewStore(root)

	_, err := store.Load("Token")
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.Contains(t, err.Error(), "contracts/a/Token.sol:Token")
	assert.Contains(t, err.Error(), "contracts/b/Token.sol:Token")

	a, err := store.Load("contracts/b/Token.sol:Token")
	require.NoError(t, err)
	assert.Equal(t, "contracts/b/Token.sol", a.SourceName)
}

func TestStoreLoad_ImmutablesFromBuildInfo(t *testing.T) {
	store := fixtureStore(t)

	a, err := store.Load("DevReg")
	require.NoError(t, err)
	require.Contains(t, a.ImmutableReferences, "71")
	assert.Equal(t, []Offset{{Start: 30, Length: 32}}, a.ImmutableReferences["71"])

	s, err := store.Load("String")
	require.NoError(t, err)
	assert.Empty(t, s.ImmutableReferences)
}

func TestParse_Foundry(t *testing.T) {
	doc := `{
  "abi": [{"type":"function","name":"toLower","inputs":[{"name":"s","type":"string"}],"outputs":[{"name":"","type":"string"}],"stateMutability":"pure"}],
  "bytecode": {"object": "0x6080", "linkReferences": {"src/Lib.sol": {"Lib": [{"start": 0, "length": 20}]}}},
  "deployedBytecode": {"object": "0x6080", "linkReferences": {}, "immutableReferences": {"9": [{"start": 1, "length": 32}]}},
  "metadata": {"settings": {"compilationTarget": {"src/String.sol": "String"}}}
}`
	a, err := Parse([]byte(doc), "String")
	require.NoError(t, err)
	assert.Equal(t, "String", a.ContractName)
	assert.Equal(t, "src/String.sol", a.SourceName)
	assert.Equal(t, "0x6080", a.Bytecode)
	assert.Equal(t, []string{"src/Lib.sol:Lib"}, a.Libraries())
	assert.Len(t, a.ImmutableReferences["9"], 1)
	assert.True(t, a.HasFunction("toLower"))
	assert.False(t, a.HasConstructor())
}

func TestParse_FoundryMetadataAsString(t *testing.T) {
	doc := `{"abi":[],"bytecode":{"object":"0x00"},"deployedBytecode":{"object":"0x00"},
"metadata":"{\"settings\":{\"compilationTarget\":{\"src/DevReg.sol\":\"DevReg\"}}}"}`
	a, err := Parse([]byte(doc), "DevReg")
	require.NoError(t, err)
	assert.Equal(t, "src/DevReg.sol:DevReg", a.FullyQualifiedName())
}

func TestLink(t *testing.T) {
	store := fixtureStore(t)
	a, err := store.Load("DevReg")
	require.NoError(t, err)
	assert.Equal(t, []string{chaintest.StringFQN}, a.Libraries())

	for _, key := range []string{"String", chaintest.StringFQN} {
		t.Run(key, func(t *testing.T) {
			code, err := a.Link(map[string]common.Address{key: stringLib})
			require.NoError(t, err)
			off := chaintest.LibraryOffset
			assert.Equal(t, stringLib.Bytes(), code[off:off+common.AddressLength])
			assert.False(t, bytes.Contains(code, []byte("__$")))
		})
	}
}

func TestLink_Errors(t *testing.T) {
	store := fixtureStore(t)
	a, err := store.Load("DevReg")
	require.NoError(t, err)

	_, err = a.Link(nil)
	assert.ErrorIs(t, err, ErrUnlinked)

	_, err = a.Link(map[string]common.Address{"String": stringLib, "Math": stringLib})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not link library Math")

	_, err = a.Link(map[string]common.Address{"String": stringLib, chaintest.StringFQN: stringLib})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")

	plain, err := store.Load("String")
	require.NoError(t, err)
	_, err = plain.Link(map[string]common.Address{"String": stringLib})
	assert.Error(t, err)

	code, err := plain.Link(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}

func TestLink_AmbiguousLibraryName(t *testing.T) {
	a := &Artifact{
		ContractName: "App",
		Bytecode:     "0x" + chaintest.Placeholder("a/Lib.sol:Lib") + chaintest.Placeholder("b/Lib.sol:Lib"),
		LinkReferences: LinkReferences{
			"a/Lib.sol": {"Lib": {{Start: 0, Length: 20}}},
			"b/Lib.sol": {"Lib": {{Start: 20, Length: 20}}},
		},
	}

	_, err := a.Link(map[string]common.Address{"Lib": stringLib})
	assert.ErrorIs(t, err, ErrAmbiguous)

	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	code, err := a.Link(map[string]common.Address{"a/Lib.sol:Lib": stringLib, "b/Lib.sol:Lib": other})
	require.NoError(t, err)
	assert.Equal(t, append(stringLib.Bytes(), other.Bytes()...), code)
}

func TestLink_NoBytecode(t *testing.T) {
	a := &Artifact{ContractName: "IRegistry", Bytecode: "0x"}
	_, err := a.Link(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bytecode")
}

func TestDeployedCode_ZeroFillsPlaceholders(t *testing.T) {
	store := fixtureStore(t)
	a, err := store.Load("DevReg")
	require.NoError(t, err)

	code, err := a.DeployedCode()
	require.NoError(t, err)
	off := chaintest.LibraryOffset
	assert.Equal(t, make([]byte, common.AddressLength), code[off:off+common.AddressLength])
}

func TestDeployedCode_StrayPlaceholder(t *testing.T) {
	a := &Artifact{
		ContractName:     "App",
		DeployedBytecode: "0x73" + chaintest.Placeholder("x/Lib.sol:Lib") + "f4",
	}
	code, err := a.DeployedCode()
	require.NoError(t, err)
	assert.Len(t, code, 22)
}

func TestInitializerData(t *testing.T) {
	store := fixtureStore(t)

	devreg, err := store.Load("DevReg")
	require.NoError(t, err)
	data, err := devreg.InitializerData("", nil)
	require.NoError(t, err)
	assert.Nil(t, data, "no initialize function and no args means no init call")

	_, err = devreg.InitializerData("", []string{"x"})
	assert.Error(t, err)

	registry, err := store.Load("Registry")
	require.NoError(t, err)
	owner := "0x00000000000000000000000000000000000000c3"
	data, err = registry.InitializerData("", []string{owner})
	require.NoError(t, err)
	require.Len(t, data, 4+32)
	assert.Equal(t, registry.ABI.Methods["initialize"].ID, data[:4])
	assert.Equal(t, common.HexToAddress(owner).Bytes(), data[16:])

	_, err = registry.InitializerData("", nil)
	assert.Error(t, err, "initialize requires an owner")

	_, err = registry.InitializerData("setup", nil)
	assert.Error(t, err)
}

func TestEncodeConstructor(t *testing.T) {
	store := fixtureStore(t)
	proxy, err := store.Load("ERC1967Proxy")
	require.NoError(t, err)

	impl := "0x00000000000000000000000000000000000000b1"
	packed, err := proxy.EncodeConstructor([]string{impl, "0x8129fc1c"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(impl).Bytes(), packed[12:32])

	_, err = proxy.EncodeConstructor([]string{impl})
	assert.Error(t, err)

	devreg, err := store.Load("DevReg")
	require.NoError(t, err)
	packed, err = devreg.EncodeConstructor(nil)
	require.NoError(t, err)
	assert.Empty(t, packed)
}

func TestCallDataAndDecodeOutputs(t *testing.T) {
	store := fixtureStore(t)
	devreg, err := store.Load("DevReg")
	require.NoError(t, err)

	data, err := devreg.CallData("register", []string{
		"devvie", "web3 developer", "Cool", "true", "github.com/stanleyugwu", "github.com/stanleyugwu.png",
	})
	require.NoError(t, err)
	assert.Equal(t, devreg.ABI.Methods["register"].ID, data[:4])

	_, err = devreg.CallData("register", []string{"devvie"})
	assert.Error(t, err)
	_, err = devreg.CallData("unregister", nil)
	assert.Error(t, err)

	ret, err := devreg.ABI.Methods["namesByAddress"].Outputs.Pack("devvie")
	require.NoError(t, err)
	out, err := devreg.DecodeOutputs("namesByAddress", ret)
	require.NoError(t, err)
	assert.Equal(t, []any{"devvie"}, out)
}

func TestConvertArgs(t *testing.T) {
	store := fixtureStore(t)
	devreg, err := store.Load("DevReg")
	require.NoError(t, err)

	values, err := ConvertArgs(devreg.ABI.Methods["register"].Inputs, []string{"a", "b", "c", "false", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", false, "d", "e"}, values)

	_, err = ConvertArgs(devreg.ABI.Methods["register"].Inputs, []string{"a", "b", "c", "maybe", "d", "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available")
}

func TestConvert_Scalars(t *testing.T) {
	tests := []struct {
		typ  string
		in   string
		want any
	}{
		{"uint8", "255", uint8(255)},
		{"uint64", "0x10", uint64(16)},
		{"int32", "-5", int32(-5)},
		{"uint256", "1000000000000000000000", mustBig("1000000000000000000000")},
		{"int256", "-1", big.NewInt(-1)},
		{"address", "0xD441D2B289D5783ebD05fb2D04726Cf7C8DB37f4", stringLib},
		{"bytes", "0xdeadbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"bytes", "DEADbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"bytes", "0XDEADBEEF", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"bytes4", "0x8129fc1c", [4]byte{0x81, 0x29, 0xfc, 0x1c}},
		{"uint16[]", "[1, 2,3]", []uint16{1, 2, 3}},
		{"address[2]", "[0x0000000000000000000000000000000000000001,0x0000000000000000000000000000000000000002]",
			[2]common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")}},
		{"string[]", "[]", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.in, func(t *testing.T) {
			got, err := convert(mustType(t, tt.typ), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert_Rejects(t *testing.T) {
	tests := []struct {
		typ string
		in  string
	}{
		{"uint8", "256"},
		{"uint32", "-1"},
		{"int8", "128"},
		{"int8", "-129"},
		{"uint256", "ten"},
		{"address", "0x1234"},
		{"bytes", "0xzz"},
		{"bytes", "0xabc"},
		{"bytes2", "0x010203"},
		{"uint8[2]", "[1]"},
		{"uint8[]", "1,2"},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.in, func(t *testing.T) {
			_, err := convert(mustType(t, tt.typ), tt.in)
			assert.Error(t, err)
		})
	}
}

func TestPatch_OutOfRange(t *testing.T) {
	code := []byte(hex.EncodeToString(make([]byte, 10)))
	err := patch(code, Offset{Start: 5, Length: 20}, []byte(hex.EncodeToString(stringLib.Bytes())))
	assert.Error(t, err)
}
