// Package chaintest runs an in-process JSON-RPC endpoint that answers the
// subset of the eth namespace used by the publisher. Contract creation stores
// the init code as runtime code; calls to an ERC1967Factory emit the Deployed
// event and write the ERC-1967 implementation slot of the new proxy.
package chaintest

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
)

// DevKeyHex is the first well-known development account key. Its address is DevAddress.
const DevKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	DevAddress = crypto.PubkeyToAddress(mustKey(DevKeyHex).PublicKey)

	// Create2Deployer mirrors publish.ArachnidCreate2Factory.
	Create2Deployer = common.HexToAddress("0x4e59b44847b379578588920ca78fbf26c0b4956c")

	implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	deployedTopic      = crypto.Keccak256Hash([]byte("Deployed(address,address,address)"))
	funcDeployAndCall  = w3.MustNewFunc("deployAndCall(address,address,bytes)", "address")
	proxyCtorArgs      = abi.Arguments{{Type: mustType("address")}, {Type: mustType("bytes")}}
)

// Tx is a transaction the node has mined.
type Tx struct {
	From      common.Address
	To        *common.Address
	Data      []byte
	Gas       uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
	Receipt   *types.Receipt
	Selector  [4]byte
}

type Node struct {
	server *httptest.Server

	mu             sync.Mutex
	chainID        *big.Int
	baseFee        *big.Int
	tipCap         *big.Int
	block          uint64
	nonces         map[common.Address]uint64
	balances       map[common.Address]*big.Int
	code           map[common.Address][]byte
	storage        map[common.Address]map[common.Hash]common.Hash
	receipts       map[common.Hash]*types.Receipt
	pendingPolls   map[common.Hash]int
	receiptDelay   int
	revertNext     bool
	failures       map[string]string
	callHandlers   map[[4]byte]func(input []byte) ([]byte, error)
	proxyInitCode  []byte
	mined          []Tx
	methodRequests map[string]int
}

// NewNode starts a node with chain id 31337, the CREATE2 deployer installed
// and DevAddress funded. The server is closed on test cleanup.
func NewNode(t testing.TB) *Node {
	t.Helper()
	n := &Node{
		chainID:        big.NewInt(31337),
		baseFee:        big.NewInt(1_000_000_000),
		tipCap:         big.NewInt(100_000_000),
		nonces:         map[common.Address]uint64{},
		balances:       map[common.Address]*big.Int{},
		code:           map[common.Address][]byte{},
		storage:        map[common.Address]map[common.Hash]common.Hash{},
		receipts:       map[common.Hash]*types.Receipt{},
		pendingPolls:   map[common.Hash]int{},
		failures:       map[string]string{},
		callHandlers:   map[[4]byte]func([]byte) ([]byte, error){},
		methodRequests: map[string]int{},
	}
	n.code[Create2Deployer] = []byte{0x60, 0x00}
	n.balances[DevAddress] = new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18))
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	t.Cleanup(n.server.Close)
	return n
}

func (n *Node) URL() string { return n.server.URL }

// Close stops the server so later requests fail at the transport level.
func (n *Node) Close() { n.server.Close() }

func (n *Node) SetChainID(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainID = big.NewInt(id)
}

// SetReceiptDelay makes each receipt lookup return null this many times first.
func (n *Node) SetReceiptDelay(polls int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receiptDelay = polls
}

// RevertNext mines the next transaction with a failed status.
func (n *Node) RevertNext() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext = true
}

// Fail answers every request for method with a JSON-RPC error.
func (n *Node) Fail(method, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = message
}

// RemoveCode deletes the code at addr, as if it had self-destructed.
func (n *Node) RemoveCode(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.code, addr)
}

func (n *Node) RemoveCreate2Deployer() { n.RemoveCode(Create2Deployer) }

// SetCode installs runtime code at addr.
func (n *Node) SetCode(addr common.Address, code []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code[addr] = code
}

// RegisterProxyInitCode marks creations starting with code as ERC1967Proxy
// deployments whose constructor takes (address implementation, bytes data).
func (n *Node) RegisterProxyInitCode(code []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proxyInitCode = bytes.Clone(code)
}

// HandleCall registers an eth_call responder for a function selector.
func (n *Node) HandleCall(selector []byte, fn func(input []byte) ([]byte, error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var key [4]byte
	copy(key[:], selector)
	n.callHandlers[key] = fn
}

func (n *Node) Code(addr common.Address) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.code[addr]
}

func (n *Node) Storage(addr common.Address, slot common.Hash) common.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.storage[addr][slot]
}

// Mined returns the transactions mined so far, oldest first.
func (n *Node) Mined() []Tx {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Tx(nil), n.mined...)
}

// Requests returns how often method has been requested.
func (n *Node) Requests(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.methodRequests[method]
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []rpcRequest
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resps := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = n.dispatch(req)
		}
		_ = json.NewEncoder(w).Encode(resps)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(n.dispatch(req))
}

func (n *Node) dispatch(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	n.mu.Lock()
	n.methodRequests[req.Method]++
	failure, failing := n.failures[req.Method]
	n.mu.Unlock()
	if failing {
		resp.Error = &rpcError{Code: -32000, Message: failure}
		return resp
	}

	result, err := n.handle(req.Method, req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		return resp
	}
	blob, err := json.Marshal(result)
	if err != nil {
		resp.Error = &rpcError{Code: -32603, Message: err.Error()}
		return resp
	}
	resp.Result = blob
	return resp
}

type callMsg struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

func (m callMsg) payload() []byte {
	if len(m.Input) > 0 {
		return m.Input
	}
	return m.Data
}

func (n *Node) handle(method string, params []json.RawMessage) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch method {
	case "eth_chainId":
		return (*hexutil.Big)(n.chainID), nil
	case "eth_blockNumber":
		return hexutil.Uint64(n.block), nil
	case "eth_maxPriorityFeePerGas":
		return (*hexutil.Big)(n.tipCap), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(new(big.Int).Add(n.baseFee, n.tipCap)), nil
	case "eth_getBlockByNumber":
		return &types.Header{
			Number:     new(big.Int).SetUint64(n.block),
			Difficulty: new(big.Int),
			GasLimit:   30_000_000,
			Time:       1_700_000_000 + n.block*12,
			BaseFee:    n.baseFee,
		}, nil
	case "eth_getBalance":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		balance := n.balances[addr]
		if balance == nil {
			balance = new(big.Int)
		}
		return (*hexutil.Big)(balance), nil
	case "eth_getTransactionCount":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(n.nonces[addr]), nil
	case "eth_getCode":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(n.code[addr]), nil
	case "eth_getStorageAt":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		if len(params) < 2 {
			return nil, errors.New("missing slot")
		}
		var slot common.Hash
		if err := json.Unmarshal(params[1], &slot); err != nil {
			return nil, fmt.Errorf("slot: %w", err)
		}
		return n.storage[addr][slot], nil
	case "eth_estimateGas":
		msg, err := msgParam(params)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(53_000 + 16*uint64(len(msg.payload()))), nil
	case "eth_call":
		msg, err := msgParam(params)
		if err != nil {
			return nil, err
		}
		input := msg.payload()
		if msg.To == nil || len(input) < 4 {
			return hexutil.Bytes{}, nil
		}
		var key [4]byte
		copy(key[:], input[:4])
		handler, ok := n.callHandlers[key]
		if !ok {
			return nil, fmt.Errorf("execution reverted: no handler for selector %x", key)
		}
		out, err := handler(input)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	case "eth_sendRawTransaction":
		if len(params) < 1 {
			return nil, errors.New("missing raw transaction")
		}
		var raw hexutil.Bytes
		if err := json.Unmarshal(params[0], &raw); err != nil {
			return nil, fmt.Errorf("raw transaction: %w", err)
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		if err := n.mine(tx); err != nil {
			return nil, err
		}
		return tx.Hash(), nil
	case "eth_getTransactionReceipt":
		if len(params) < 1 {
			return nil, errors.New("missing transaction hash")
		}
		var hash common.Hash
		if err := json.Unmarshal(params[0], &hash); err != nil {
			return nil, fmt.Errorf("transaction hash: %w", err)
		}
		receipt, ok := n.receipts[hash]
		if !ok {
			return nil, nil
		}
		if n.pendingPolls[hash] > 0 {
			n.pendingPolls[hash]--
			return nil, nil
		}
		return receipt, nil
	default:
		return nil, fmt.Errorf("the method %s does not exist/is not available", method)
	}
}

// mine applies tx immediately. Caller holds n.mu.
func (n *Node) mine(tx *types.Transaction) error {
	if tx.ChainId().Cmp(n.chainID) != 0 {
		return fmt.Errorf("invalid chain id %s, expected %s", tx.ChainId(), n.chainID)
	}
	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if want := n.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), want)
	}
	n.nonces[from]++
	n.block++

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: tx.Gas(),
		Logs:              []*types.Log{},
		TxHash:            tx.Hash(),
		GasUsed:           tx.Gas(),
		EffectiveGasPrice: new(big.Int).Add(n.baseFee, tx.GasTipCap()),
		BlockHash:         crypto.Keccak256Hash(new(big.Int).SetUint64(n.block).Bytes()),
		BlockNumber:       new(big.Int).SetUint64(n.block),
	}

	data := tx.Data()
	if n.revertNext {
		n.revertNext = false
		receipt.Status = types.ReceiptStatusFailed
	} else if tx.To() == nil {
		addr := crypto.CreateAddress(from, tx.Nonce())
		n.create(addr, data)
		receipt.ContractAddress = addr
	} else {
		to := *tx.To()
		if err := n.execute(to, data, receipt); err != nil {
			receipt.Status = types.ReceiptStatusFailed
		}
	}

	n.receipts[tx.Hash()] = receipt
	n.pendingPolls[tx.Hash()] = n.receiptDelay

	var selector [4]byte
	if len(data) >= 4 {
		copy(selector[:], data[:4])
	}
	n.mined = append(n.mined, Tx{
		From:      from,
		To:        tx.To(),
		Data:      data,
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Receipt:   receipt,
		Selector:  selector,
	})
	return nil
}

func (n *Node) execute(to common.Address, data []byte, receipt *types.Receipt) error {
	if len(n.code[to]) == 0 {
		return nil
	}

	if to == Create2Deployer {
		if len(data) < common.HashLength {
			return errors.New("short create2 payload")
		}
		salt := common.BytesToHash(data[:common.HashLength])
		initCode := data[common.HashLength:]
		addr := crypto.CreateAddress2(Create2Deployer, salt, crypto.Keccak256(initCode))
		if len(n.code[addr]) > 0 {
			return errors.New("create2 collision")
		}
		n.create(addr, initCode)
		return nil
	}

	if len(data) >= 4 && bytes.Equal(data[:4], funcDeployAndCall.Selector[:]) {
		var (
			implementation common.Address
			admin          common.Address
			initData       []byte
		)
		if err := funcDeployAndCall.DecodeArgs(data, &implementation, &admin, &initData); err != nil {
			return err
		}
		proxy := crypto.CreateAddress(to, n.nonces[to])
		n.nonces[to]++
		n.code[proxy] = []byte{0x36, 0x3d, 0x3d, 0x37}
		n.setStorage(proxy, implementationSlot, common.BytesToHash(implementation.Bytes()))
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address: to,
			Topics: []common.Hash{
				deployedTopic,
				common.BytesToHash(proxy.Bytes()),
				common.BytesToHash(implementation.Bytes()),
				common.BytesToHash(admin.Bytes()),
			},
			Data:        []byte{},
			BlockNumber: receipt.BlockNumber.Uint64(),
			TxHash:      receipt.TxHash,
			BlockHash:   receipt.BlockHash,
		})
	}
	return nil
}

func (n *Node) create(addr common.Address, initCode []byte) {
	n.code[addr] = bytes.Clone(initCode)
	if len(n.proxyInitCode) == 0 || !bytes.HasPrefix(initCode, n.proxyInitCode) {
		return
	}
	values, err := proxyCtorArgs.Unpack(initCode[len(n.proxyInitCode):])
	if err != nil || len(values) != 2 {
		return
	}
	if implementation, ok := values[0].(common.Address); ok {
		n.setStorage(addr, implementationSlot, common.BytesToHash(implementation.Bytes()))
	}
}

func (n *Node) setStorage(addr common.Address, slot, value common.Hash) {
	if n.storage[addr] == nil {
		n.storage[addr] = map[common.Hash]common.Hash{}
	}
	n.storage[addr][slot] = value
}

func addressParam(params []json.RawMessage, i int) (common.Address, error) {
	if len(params) <= i {
		return common.Address{}, fmt.Errorf("missing param %d", i)
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return common.Address{}, fmt.Errorf("param %d: %w", i, err)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("param %d: invalid address %q", i, s)
	}
	return common.HexToAddress(strings.TrimSpace(s)), nil
}

func msgParam(params []json.RawMessage) (callMsg, error) {
	if len(params) < 1 {
		return callMsg{}, errors.New("missing call message")
	}
	var msg callMsg
	if err := json.Unmarshal(params[0], &msg); err != nil {
		return callMsg{}, fmt.Errorf("call message: %w", err)
	}
	return msg, nil
}

func mustKey(hex string) *ecdsa.PrivateKey {
	k, err := crypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return k
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}
