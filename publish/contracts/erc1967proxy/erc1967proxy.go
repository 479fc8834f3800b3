package erc1967proxy

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	name = "ERC1967Proxy"

	ArtifactName = "ERC1967Proxy"

	GasLimit uint64 = 700_000
)

var constructorArgs = abi.Arguments{
	{Name: "implementation", Type: mustType("address")},
	{Name: "_data", Type: mustType("bytes")},
}

func Name() string { return name }

// EncodeConstructor packs constructor(address implementation, bytes _data),
// appended to the proxy creation code for UUPS deployments.
func EncodeConstructor(implementation common.Address, initData []byte) ([]byte, error) {
	if initData == nil {
		initData = []byte{}
	}
	return constructorArgs.Pack(implementation, initData)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
