package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
)

const ProxyGasLimit uint64 = 500_000

// ArachnidCreate2Factory is the keyless CREATE2 deployer present on most EVM
// networks. Calldata is salt (32 bytes) followed by the init code.
var ArachnidCreate2Factory = common.HexToAddress("0x4e59b44847b379578588920ca78fbf26c0b4956c")

// ImplementationSlot is the ERC-1967 implementation storage slot,
// bytes32(uint256(keccak256("eip1967.proxy.implementation")) - 1).
var ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

var (
	funcDeployAndCall = w3.MustNewFunc(
		"deployAndCall(address,address,bytes)", "address",
	)
	eventDeployed = w3.MustNewEvent(
		"Deployed(address indexed,address indexed,address indexed)",
	)
)

func (d *Deployer) DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error) {
	calldata, err := funcDeployAndCall.EncodeArgs(implementation, admin, initData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode deployAndCall: %w", err)
	}
	return d.Transact(ctx, factory, calldata, gasLimit)
}

func ProxyAddressFromReceipt(receipt *types.Receipt) (common.Address, error) {
	for _, log := range receipt.Logs {
		var (
			proxy          common.Address
			implementation common.Address
			admin          common.Address
		)
		if err := eventDeployed.DecodeArgs(log, &proxy, &implementation, &admin); err == nil {
			return proxy, nil
		}
	}
	return common.Address{}, errors.New("Deployed event not found in receipt logs")
}

// ImplementationOf reads the ERC-1967 implementation slot of proxy.
func (d *Deployer) ImplementationOf(ctx context.Context, proxy common.Address) (common.Address, error) {
	var value common.Hash
	if err := d.client.CallCtx(ctx, eth.StorageAt(proxy, ImplementationSlot, nil).Returns(&value)); err != nil {
		return common.Address{}, fmt.Errorf("read implementation slot of %s: %w", proxy.Hex(), err)
	}
	return common.BytesToAddress(value.Bytes()), nil
}

// GenerateSalt derives a CREATE2 salt bound to the deployer and a contract name.
func GenerateSalt(deployer common.Address, name string) common.Hash {
	return crypto.Keccak256Hash(deployer.Bytes(), []byte(name))
}

func PredictCreate2Address(factory common.Address, salt common.Hash, initCode []byte) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}

// DeployDeterministic deploys initCode through the CREATE2 deployer. The
// returned address is the predicted one and is only valid once the
// transaction succeeds.
func (d *Deployer) DeployDeterministic(ctx context.Context, salt common.Hash, initCode []byte, gasLimit uint64) (DeployResult, error) {
	data := make([]byte, 0, common.HashLength+len(initCode))
	data = append(data, salt.Bytes()...)
	data = append(data, initCode...)

	txHash, err := d.Transact(ctx, ArachnidCreate2Factory, data, gasLimit)
	if err != nil {
		return DeployResult{}, err
	}
	return DeployResult{
		TxHash:          txHash,
		ContractAddress: PredictCreate2Address(ArachnidCreate2Factory, salt, initCode),
	}, nil
}
