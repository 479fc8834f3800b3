package pipeline

import "github.com/ethereum/go-ethereum/common"

// Report is printed when a command finishes. Contracts are keyed by the
// request key, which defaults to the contract name.
type Report struct {
	Network   string                    `json:"network"`
	ChainID   uint64                    `json:"chain_id"`
	Deployer  string                    `json:"deployer"`
	Factory   string                    `json:"factory,omitempty"`
	Contracts map[string]ContractReport `json:"contracts,omitempty"`
}

type ContractReport struct {
	Contract       string `json:"contract"`
	Kind           string `json:"kind"`
	Address        string `json:"address"`
	Implementation string `json:"implementation,omitempty"`
	Admin          string `json:"admin,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	Reused         bool   `json:"reused,omitempty"`
}

// Deployed is the outcome of a single deployment request.
type Deployed struct {
	Contract       string
	Address        common.Address
	Implementation common.Address
	Admin          common.Address
	TxHash         common.Hash
	// Reused is set when the implementation came from the manifest.
	Reused bool
}

func (d Deployed) report(kind string) ContractReport {
	c := ContractReport{
		Contract: d.Contract,
		Kind:     kind,
		Address:  d.Address.Hex(),
		Reused:   d.Reused,
	}
	if d.Implementation != (common.Address{}) {
		c.Implementation = d.Implementation.Hex()
	}
	if d.Admin != (common.Address{}) {
		c.Admin = d.Admin.Hex()
	}
	if d.TxHash != (common.Hash{}) {
		c.TxHash = d.TxHash.Hex()
	}
	return c
}
