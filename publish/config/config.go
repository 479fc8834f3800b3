// Package config resolves the network a command runs against: built-in
// defaults, an optional YAML file, environment variables (including a .env
// file) and command-line overrides, in increasing precedence.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath    = "devreg.yaml"
	DefaultNetwork = "localhost"
)

// DeployedStringLibrary is the String library the registry was linked
// against on goerli.
const DeployedStringLibrary = "0xD441D2B289D5783ebD05fb2D04726Cf7C8DB37f4"

var validate = validator.New()

// Env holds settings read from the process environment. Private keys are not
// part of it; Resolve reads them through the network's accounts variable.
type Env struct {
	ConfigPath string        `env:"DEVREG_CONFIG" envDefault:"devreg.yaml"`
	Network    string        `env:"DEVREG_NETWORK"`
	RPCURL     string        `env:"RPC_URL"`
	Artifacts  string        `env:"DEVREG_ARTIFACTS"`
	Manifest   string        `env:"DEVREG_MANIFEST"`
	LogMode    string        `env:"DEVREG_LOG_MODE" envDefault:"dev"`
	Timeout    time.Duration `env:"DEVREG_TIMEOUT" envDefault:"10m"`

	OTelEndpoint string `env:"DEVREG_OTEL_ENDPOINT"`
	OTelEnabled  string `env:"DEVREG_OTEL_ENABLED"`
}

type File struct {
	DefaultNetwork string             `yaml:"default_network"`
	Artifacts      string             `yaml:"artifacts"`
	Manifest       string             `yaml:"manifest"`
	Networks       map[string]Network `yaml:"networks"`
}

type Network struct {
	URL          string            `yaml:"url" validate:"required,url"`
	ChainID      uint64            `yaml:"chain_id"`
	AccountsEnv  string            `yaml:"accounts_env"`
	GasFeeCap    string            `yaml:"gas_fee_cap"`
	GasTipCap    string            `yaml:"gas_tip_cap"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Factory      string            `yaml:"factory" validate:"omitempty,eth_addr"`
	Admin        string            `yaml:"admin" validate:"omitempty,eth_addr"`
	Libraries    map[string]string `yaml:"libraries" validate:"dive,keys,required,endkeys,eth_addr"`
}

// Overrides carries command-line values; empty fields keep the file value.
type Overrides struct {
	RPCURL     string
	ChainID    uint64
	PrivateKey string
	GasFeeCap  string
	GasTipCap  string
	Factory    string
	Admin      string
	Libraries  map[string]string
}

// Resolved is a validated network ready for use.
type Resolved struct {
	Name         string
	URL          string
	ChainID      uint64
	GasFeeCap    *big.Int
	GasTipCap    *big.Int
	PollInterval time.Duration
	Factory      common.Address
	Admin        common.Address
	Libraries    map[string]common.Address

	privateKey string
	keySource  string
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Env, error) {
	var cfg Env
	if err := env.Parse(&cfg); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Defaults mirrors the networks the project shipped with.
func Defaults() File {
	return File{
		DefaultNetwork: DefaultNetwork,
		Artifacts:      "artifacts",
		Manifest:       ".deployments/manifest.db",
		Networks: map[string]Network{
			"localhost": {
				URL:         "http://127.0.0.1:8545",
				ChainID:     31337,
				AccountsEnv: "PRIVATE_KEY",
			},
			"goerli": {
				URL:         "https://rpc.goerli.mudit.blog/",
				ChainID:     5,
				AccountsEnv: "GOERLI_PRIVATE_KEY",
				Libraries:   map[string]string{"String": DeployedStringLibrary},
			},
		},
	}
}

// Load reads path on top of Defaults. A missing file is only an error when
// required is set.
func Load(path string, required bool) (File, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if file.DefaultNetwork != "" {
		cfg.DefaultNetwork = file.DefaultNetwork
	}
	if file.Artifacts != "" {
		cfg.Artifacts = file.Artifacts
	}
	if file.Manifest != "" {
		cfg.Manifest = file.Manifest
	}
	for name, network := range file.Networks {
		cfg.Networks[name] = network
	}
	return cfg, nil
}

// NetworkNames returns the configured network names, sorted.
func (f File) NetworkNames() []string {
	names := make([]string, 0, len(f.Networks))
	for name := range f.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve selects network name (or the default network), applies overrides
// and validates the result. lookup reads environment variables.
func (f File) Resolve(name string, o Overrides, lookup func(string) (string, bool)) (Resolved, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if name == "" {
		name = f.DefaultNetwork
	}
	network, ok := f.Networks[name]
	if !ok {
		if o.RPCURL == "" {
			return Resolved{}, fmt.Errorf("unknown network %q (configured: %s)", name, strings.Join(f.NetworkNames(), ", "))
		}
		network = Network{AccountsEnv: "PRIVATE_KEY"}
	}

	if o.RPCURL != "" {
		network.URL = o.RPCURL
	}
	if o.ChainID != 0 {
		network.ChainID = o.ChainID
	}
	if o.GasFeeCap != "" {
		network.GasFeeCap = o.GasFeeCap
	}
	if o.GasTipCap != "" {
		network.GasTipCap = o.GasTipCap
	}
	if o.Factory != "" {
		network.Factory = o.Factory
	}
	if o.Admin != "" {
		network.Admin = o.Admin
	}
	if len(o.Libraries) > 0 {
		merged := make(map[string]string, len(network.Libraries)+len(o.Libraries))
		for k, v := range network.Libraries {
			merged[k] = v
		}
		for k, v := range o.Libraries {
			merged[k] = v
		}
		network.Libraries = merged
	}

	if err := validate.Struct(network); err != nil {
		return Resolved{}, fmt.Errorf("network %s: %w", name, err)
	}

	r := Resolved{
		Name:         name,
		URL:          network.URL,
		ChainID:      network.ChainID,
		PollInterval: network.PollInterval,
		Libraries:    make(map[string]common.Address, len(network.Libraries)),
	}
	var err error
	if r.GasFeeCap, err = ParseWei(network.GasFeeCap); err != nil {
		return Resolved{}, fmt.Errorf("network %s gas_fee_cap: %w", name, err)
	}
	if r.GasTipCap, err = ParseWei(network.GasTipCap); err != nil {
		return Resolved{}, fmt.Errorf("network %s gas_tip_cap: %w", name, err)
	}
	if network.Factory != "" {
		r.Factory = common.HexToAddress(network.Factory)
	}
	if network.Admin != "" {
		r.Admin = common.HexToAddress(network.Admin)
	}
	for lib, addr := range network.Libraries {
		r.Libraries[lib] = common.HexToAddress(addr)
	}

	switch {
	case o.PrivateKey != "":
		r.privateKey, r.keySource = o.PrivateKey, "--private-key"
	case network.AccountsEnv != "":
		if v, ok := lookup(network.AccountsEnv); ok && strings.TrimSpace(v) != "" {
			r.privateKey, r.keySource = v, network.AccountsEnv
		}
	}
	if r.privateKey == "" && network.AccountsEnv != "PRIVATE_KEY" {
		if v, ok := lookup("PRIVATE_KEY"); ok && strings.TrimSpace(v) != "" {
			r.privateKey, r.keySource = v, "PRIVATE_KEY"
		}
	}
	if r.keySource == "" {
		r.keySource = network.AccountsEnv
	}
	return r, nil
}

// Signer parses the resolved private key.
func (r Resolved) Signer() (*ecdsa.PrivateKey, common.Address, error) {
	if strings.TrimSpace(r.privateKey) == "" {
		return nil, common.Address{}, fmt.Errorf("no private key for network %s: set %s", r.Name, r.keySource)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(r.privateKey), "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key from %s: %w", r.keySource, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// ParseLibraries parses repeated "Name=0xaddress" bindings.
func ParseLibraries(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, addr, ok := strings.Cut(v, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" {
			return nil, fmt.Errorf("library binding %q: want Name=0xaddress", v)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("library binding %q: invalid address", v)
		}
		out[name] = addr
	}
	return out, nil
}
