package chaintest

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	StringFQN  = "contracts/String.sol:String"
	DevRegFQN  = "contracts/DevReg.sol:DevReg"
	factoryFQN = "contracts/proxy/ERC1967Factory.sol:ERC1967Factory"
	proxyFQN   = "contracts/proxy/ERC1967Proxy.sol:ERC1967Proxy"
	uupsFQN    = "contracts/Registry.sol:Registry"

	// LibraryOffset is where the String address sits in DevReg creation code.
	LibraryOffset = 6

	// solc-style trailer; the 0xff inside must not count as SELFDESTRUCT.
	metadataTrailer = "a164736f6c63430008ff000a"
	proxyCode       = "608060405260405161040038038061040083398101604081905261002291610268565b"
)

// Placeholder returns the solc library placeholder for a fully qualified name.
func Placeholder(fqn string) string {
	return "__$" + hex.EncodeToString(crypto.Keccak256([]byte(fqn)))[:34] + "$__"
}

// ProxyCreationCode is the creation code of the ERC1967Proxy fixture, without
// constructor arguments. Pass it to Node.RegisterProxyInitCode.
func ProxyCreationCode() []byte {
	b, err := hex.DecodeString(proxyCode)
	if err != nil {
		panic(err)
	}
	return b
}

// WriteArtifacts lays out a Hardhat artifacts tree under root containing
// String, DevReg (linked against String, with a constructor and an
// immutable), ERC1967Factory, ERC1967Proxy and a UUPS-ready Registry.
func WriteArtifacts(t testing.TB, root string) {
	t.Helper()
	lib := Placeholder(StringFQN)

	writeArtifact(t, root, "contracts/String.sol", map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": "String",
		"sourceName":   "contracts/String.sol",
		"abi": []any{
			function("toLower", []any{param("str", "string")}, []any{param("", "string")}, "pure"),
		},
		"bytecode":               "0x60566050600b82828239805160001a6073146043577f4e487b7100000000000000000000000000000000000000000000000000000000600052600060045260246000fd5b30600052607381538281f3fe" + metadataTrailer,
		"deployedBytecode":       "0x730000000000000000000000000000000000000000301460806040526000" + metadataTrailer,
		"linkReferences":         map[string]any{},
		"deployedLinkReferences": map[string]any{},
	})

	devregRefs := map[string]any{
		"contracts/String.sol": map[string]any{
			"String": []any{map[string]int{"start": LibraryOffset, "length": 20}},
		},
	}
	writeArtifact(t, root, "contracts/DevReg.sol", map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": "DevReg",
		"sourceName":   "contracts/DevReg.sol",
		"abi": []any{
			map[string]any{"type": "constructor", "inputs": []any{}, "stateMutability": "nonpayable"},
			function("register", []any{
				param("name", "string"),
				param("title", "string"),
				param("bio", "string"),
				param("available", "bool"),
				param("github", "string"),
				param("avatar", "string"),
			}, []any{}, "nonpayable"),
			function("namesByAddress", []any{param("", "address")}, []any{param("", "string")}, "view"),
			function("developers", []any{param("", "string")}, []any{
				param("name", "string"),
				param("title", "string"),
				param("bio", "string"),
				param("available", "bool"),
				param("github", "string"),
				param("avatar", "string"),
			}, "view"),
			function("owner", []any{}, []any{param("", "address")}, "view"),
		},
		"bytecode":               "0x608060405273" + lib + "6000f3",
		"deployedBytecode":       "0x608060405273" + lib + "f400" + metadataTrailer,
		"linkReferences":         devregRefs,
		"deployedLinkReferences": devregRefs,
	})
	writeBuildInfo(t, root, "contracts/DevReg.sol", "DevReg", map[string]any{
		"71": []any{map[string]int{"start": 30, "length": 32}},
	})

	writeArtifact(t, root, "contracts/proxy/ERC1967Factory.sol", map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": "ERC1967Factory",
		"sourceName":   "contracts/proxy/ERC1967Factory.sol",
		"abi": []any{
			function("deployAndCall", []any{
				param("implementation", "address"),
				param("admin", "address"),
				param("data", "bytes"),
			}, []any{param("proxy", "address")}, "payable"),
			map[string]any{
				"type":      "event",
				"name":      "Deployed",
				"anonymous": false,
				"inputs": []any{
					indexed("proxy", "address"),
					indexed("implementation", "address"),
					indexed("admin", "address"),
				},
			},
		},
		"bytecode":               "0x6080604052348015600f57600080fd5b50603f80601d6000396000f3fe6080604052600080fd" + metadataTrailer,
		"deployedBytecode":       "0x6080604052600080fd" + metadataTrailer,
		"linkReferences":         map[string]any{},
		"deployedLinkReferences": map[string]any{},
	})

	writeArtifact(t, root, "contracts/proxy/ERC1967Proxy.sol", map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": "ERC1967Proxy",
		"sourceName":   "contracts/proxy/ERC1967Proxy.sol",
		"abi": []any{
			map[string]any{"type": "constructor", "stateMutability": "payable", "inputs": []any{
				param("implementation", "address"),
				param("_data", "bytes"),
			}},
		},
		"bytecode":               "0x" + proxyCode,
		"deployedBytecode":       "0x60806040523661001357610011610017565b005b" + metadataTrailer,
		"linkReferences":         map[string]any{},
		"deployedLinkReferences": map[string]any{},
	})

	writeArtifact(t, root, "contracts/Registry.sol", map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": "Registry",
		"sourceName":   "contracts/Registry.sol",
		"abi": []any{
			function("initialize", []any{param("owner", "address")}, []any{}, "nonpayable"),
			function("upgradeToAndCall", []any{param("newImplementation", "address"), param("data", "bytes")}, []any{}, "payable"),
			function("owner", []any{}, []any{param("", "address")}, "view"),
		},
		"bytecode":               "0x6080604052348015600f57600080fd5b5060" + metadataTrailer,
		"deployedBytecode":       "0x608060405260043610" + metadataTrailer,
		"linkReferences":         map[string]any{},
		"deployedLinkReferences": map[string]any{},
	})
}

func writeArtifact(t testing.TB, root, source string, doc map[string]any) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(source))
	writeJSON(t, filepath.Join(dir, doc["contractName"].(string)+".json"), doc)
}

func writeBuildInfo(t testing.TB, root, source, contract string, immutables map[string]any) {
	t.Helper()
	const id = "5f1e0b3c2a"
	writeJSON(t, filepath.Join(root, "build-info", id+".json"), map[string]any{
		"_format":     "hh-sol-build-info-1",
		"solcVersion": "0.8.15",
		"output": map[string]any{
			"contracts": map[string]any{
				source: map[string]any{
					contract: map[string]any{
						"evm": map[string]any{
							"deployedBytecode": map[string]any{"immutableReferences": immutables},
						},
					},
				},
			},
		},
	})

	dir := filepath.Join(root, filepath.FromSlash(source))
	rel, err := filepath.Rel(dir, filepath.Join(root, "build-info", id+".json"))
	if err != nil {
		t.Fatalf("build-info path: %v", err)
	}
	writeJSON(t, filepath.Join(dir, contract+".dbg.json"), map[string]any{
		"_format":   "hh-sol-dbg-1",
		"buildInfo": filepath.ToSlash(rel),
	})
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func function(name string, inputs, outputs []any, mutability string) map[string]any {
	return map[string]any{
		"type":            "function",
		"name":            name,
		"inputs":          inputs,
		"outputs":         outputs,
		"stateMutability": mutability,
	}
}

func param(name, typ string) map[string]any {
	return map[string]any{"name": name, "type": typ, "internalType": typ}
}

func indexed(name, typ string) map[string]any {
	p := param(name, typ)
	p["indexed"] = true
	return p
}
