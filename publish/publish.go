package publish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
)

const DefaultPollInterval = 2 * time.Second

// ErrReverted is returned by CheckReceipt for mined transactions with a failed status.
var ErrReverted = errors.New("transaction reverted")

type (
	DeployResult struct {
		TxHash          common.Hash
		ContractAddress common.Address
	}

	// Options tune a Deployer. Zero values select network defaults: the chain id
	// reported by the endpoint, fees derived from the latest block and a
	// DefaultPollInterval receipt poll.
	Options struct {
		ChainID      uint64
		GasFeeCap    *big.Int
		GasTipCap    *big.Int
		PollInterval time.Duration
	}

	Deployer struct {
		client       *w3.Client
		signer       types.Signer
		key          *ecdsa.PrivateKey
		address      common.Address
		chainID      uint64
		gasFeeCap    *big.Int
		gasTipCap    *big.Int
		pollInterval time.Duration
	}
)

func NewDeployer(ctx context.Context, rpcURL string, privateKey *ecdsa.PrivateKey, opts Options) (*Deployer, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	var chainID uint64
	if err := client.CallCtx(ctx, eth.ChainID().Returns(&chainID)); err != nil {
		client.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if opts.ChainID != 0 && opts.ChainID != chainID {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, endpoint reports %d", opts.ChainID, chainID)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Deployer{
		client:       client,
		signer:       types.NewLondonSigner(new(big.Int).SetUint64(chainID)),
		key:          privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      chainID,
		gasFeeCap:    opts.GasFeeCap,
		gasTipCap:    opts.GasTipCap,
		pollInterval: poll,
	}, nil
}

func (d *Deployer) Address() common.Address {
	return d.address
}

func (d *Deployer) ChainID() uint64 {
	return d.chainID
}

func (d *Deployer) Close() error {
	return d.client.Close()
}

func (d *Deployer) Balance(ctx context.Context) (*big.Int, error) {
	var balance *big.Int
	if err := d.client.CallCtx(ctx, eth.Balance(d.address, nil).Returns(&balance)); err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (d *Deployer) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := d.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code %s: %w", addr.Hex(), err)
	}
	return code, nil
}

func (d *Deployer) getNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	if err := d.client.CallCtx(ctx, eth.Nonce(d.address, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

// fees returns the EIP-1559 fee cap and tip cap for the next transaction.
// Configured values win; missing values follow the usual wallet heuristic of
// twice the latest base fee plus the suggested tip.
func (d *Deployer) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	if d.gasFeeCap != nil && d.gasTipCap != nil {
		return d.gasFeeCap, d.gasTipCap, nil
	}

	var (
		tip  *big.Int
		head *types.Header
	)
	if err := d.client.CallCtx(ctx,
		eth.GasTipCap().Returns(&tip),
		eth.HeaderByNumber(nil).Returns(&head),
	); err != nil {
		return nil, nil, fmt.Errorf("suggest fees: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, errors.New("suggest fees: latest block has no base fee (pre-London network)")
	}
	if d.gasTipCap != nil {
		tip = d.gasTipCap
	}

	feeCap := d.gasFeeCap
	if feeCap == nil {
		feeCap = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
	}
	return feeCap, tip, nil
}

func (d *Deployer) estimateGas(ctx context.Context, to *common.Address, data []byte) (uint64, error) {
	var gas uint64
	msg := &w3types.Message{From: d.address, To: to, Input: data}
	if err := d.client.CallCtx(ctx, eth.EstimateGas(msg, nil).Returns(&gas)); err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

// newTx builds an unsigned EIP-1559 transaction at the current nonce. A zero
// gasLimit is replaced by the node's estimate.
func (d *Deployer) newTx(ctx context.Context, nonce uint64, to *common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	if gasLimit == 0 {
		estimate, err := d.estimateGas(ctx, to, data)
		if err != nil {
			return nil, err
		}
		gasLimit = estimate
	}
	feeCap, tipCap, err := d.fees(ctx)
	if err != nil {
		return nil, err
	}

	//  EIP-1559 only
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(d.chainID),
		Nonce:     nonce,
		To:        to,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Gas:       gasLimit,
		Data:      data,
	}), nil
}

func (d *Deployer) sendTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signedTx, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.CallCtx(ctx, eth.SendTx(signedTx).Returns(nil)); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signedTx.Hash(), nil
}

func (d *Deployer) DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	contractAddr := crypto.CreateAddress(d.address, nonce)

	tx, err := d.newTx(ctx, nonce, nil, bytecode, gasLimit)
	if err != nil {
		return DeployResult{}, err
	}

	txHash, err := d.sendTx(ctx, tx)
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: contractAddr,
	}, nil
}

// Transact sends calldata to an existing contract.
func (d *Deployer) Transact(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := d.newTx(ctx, nonce, &to, data, gasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	return d.sendTx(ctx, tx)
}

// Call executes a read-only eth_call from the deployer account.
func (d *Deployer) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	msg := &w3types.Message{From: d.address, To: &to, Input: data}
	if err := d.client.CallCtx(ctx, eth.Call(msg, nil, nil).Returns(&out)); err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done. Lookup
// errors are retried; the last one is reported if ctx expires first.
func (d *Deployer) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		var receipt *types.Receipt
		err := d.client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt))
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && ctx.Err() == nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("wait receipt %s: %w (last error: %v)", txHash.Hex(), ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// CheckReceipt returns ErrReverted for a receipt with a failed status.
func CheckReceipt(receipt *types.Receipt) error {
	if receipt == nil {
		return errors.New("nil receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())
	}
	return nil
}
