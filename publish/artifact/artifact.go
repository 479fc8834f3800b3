// Package artifact loads compiled contract artifacts and turns them into
// deployable bytecode. Both the Hardhat layout (artifacts/<source>/<Name>.json
// with a .dbg.json pointer to build-info) and the Foundry layout
// (out/<File>.sol/<Name>.json) are understood.
package artifact

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound  = errors.New("artifact not found")
	ErrAmbiguous = errors.New("ambiguous name")
	ErrUnlinked  = errors.New("unlinked library")
)

var placeholderPattern = regexp.MustCompile(`__\$[0-9a-fA-F]{34}\$__`)

type (
	Offset struct {
		Start  int `json:"start"`
		Length int `json:"length"`
	}

	// LinkReferences maps source name -> library name -> byte offsets.
	LinkReferences map[string]map[string][]Offset

	// ImmutableReferences maps AST node id -> byte offsets in runtime code.
	ImmutableReferences map[string][]Offset

	Artifact struct {
		ContractName           string
		SourceName             string
		ABI                    abi.ABI
		Bytecode               string
		DeployedBytecode       string
		LinkReferences         LinkReferences
		DeployedLinkReferences LinkReferences
		ImmutableReferences    ImmutableReferences
		Path                   string

		entries []abiEntry
	}

	abiEntry struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
)

// FullyQualifiedName returns "<source>:<contract>", or the bare contract name
// when the source is unknown.
func (a *Artifact) FullyQualifiedName() string {
	if a.SourceName == "" {
		return a.ContractName
	}
	return a.SourceName + ":" + a.ContractName
}

// Libraries returns the fully qualified names of every library the creation
// bytecode must be linked against, sorted.
func (a *Artifact) Libraries() []string {
	var out []string
	for source, libs := range a.LinkReferences {
		for lib := range libs {
			out = append(out, source+":"+lib)
		}
	}
	sort.Strings(out)
	return out
}

// HasConstructor reports whether the ABI declares an explicit constructor.
func (a *Artifact) HasConstructor() bool {
	return a.hasEntry("constructor", "")
}

// HasFunction reports whether the ABI declares a function called name.
func (a *Artifact) HasFunction(name string) bool {
	return a.hasEntry("function", name)
}

func (a *Artifact) hasEntry(kind, name string) bool {
	for _, e := range a.entries {
		if e.Type == kind && (name == "" || e.Name == name) {
			return true
		}
	}
	return false
}

// Link resolves library placeholders in the creation bytecode. Keys of libs
// are either bare library names or "<source>:<library>". Every required
// library must be bound exactly once and every binding must be used.
func (a *Artifact) Link(libs map[string]common.Address) ([]byte, error) {
	code := strings.TrimPrefix(a.Bytecode, "0x")
	if code == "" {
		return nil, fmt.Errorf("%s has no bytecode (abstract contract or interface?)", a.ContractName)
	}

	resolved, err := resolveLibraries(a.ContractName, a.LinkReferences, libs)
	if err != nil {
		return nil, err
	}

	linked := []byte(code)
	for fq, addr := range resolved {
		source, lib := splitQualified(fq)
		addrHex := []byte(hex.EncodeToString(addr.Bytes()))
		for _, off := range a.LinkReferences[source][lib] {
			if err := patch(linked, off, addrHex); err != nil {
				return nil, fmt.Errorf("link %s into %s: %w", fq, a.ContractName, err)
			}
		}
	}

	out, err := hex.DecodeString(string(linked))
	if err != nil {
		if bytes.Contains(linked, []byte("__")) {
			return nil, fmt.Errorf("%w: %s bytecode still contains placeholders", ErrUnlinked, a.ContractName)
		}
		return nil, fmt.Errorf("decode %s bytecode: %w", a.ContractName, err)
	}
	return out, nil
}

// DeployedCode returns the runtime bytecode with library placeholders
// zero-filled, suitable for static analysis.
func (a *Artifact) DeployedCode() ([]byte, error) {
	code := []byte(strings.TrimPrefix(a.DeployedBytecode, "0x"))
	zero := bytes.Repeat([]byte("0"), 2*common.AddressLength)
	for _, libs := range a.DeployedLinkReferences {
		for _, offsets := range libs {
			for _, off := range offsets {
				if err := patch(code, off, zero); err != nil {
					return nil, fmt.Errorf("%s runtime code: %w", a.ContractName, err)
				}
			}
		}
	}
	code = placeholderPattern.ReplaceAll(code, zero)
	out, err := hex.DecodeString(string(code))
	if err != nil {
		return nil, fmt.Errorf("decode %s runtime code: %w", a.ContractName, err)
	}
	return out, nil
}

// EncodeConstructor ABI-encodes constructor arguments given as strings. The
// result is appended to the creation bytecode.
func (a *Artifact) EncodeConstructor(args []string) ([]byte, error) {
	inputs := a.ABI.Constructor.Inputs
	if len(inputs) == 0 && len(args) == 0 {
		return nil, nil
	}
	values, err := ConvertArgs(inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", a.ContractName, err)
	}
	packed, err := inputs.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s constructor: %w", a.ContractName, err)
	}
	return packed, nil
}

// InitializerData encodes the proxy initializer call. An empty initializer
// means "initialize", which may be absent from the ABI as long as no
// arguments were given; the proxy is then deployed without an init call.
func (a *Artifact) InitializerData(initializer string, args []string) ([]byte, error) {
	name := initializer
	if name == "" {
		if !a.HasFunction("initialize") && len(args) == 0 {
			return nil, nil
		}
		name = "initialize"
	}
	return a.CallData(name, args)
}

// CallData ABI-encodes a call to method with string arguments.
func (a *Artifact) CallData(method string, args []string) ([]byte, error) {
	m, ok := a.ABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("function %q not found in %s ABI", method, a.ContractName)
	}
	values, err := ConvertArgs(m.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", a.ContractName, method, err)
	}
	data, err := a.ABI.Pack(method, values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", a.ContractName, method, err)
	}
	return data, nil
}

// DecodeOutputs unpacks the return data of method.
func (a *Artifact) DecodeOutputs(method string, data []byte) ([]any, error) {
	out, err := a.ABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s.%s: %w", a.ContractName, method, err)
	}
	return out, nil
}

func patch(code []byte, off Offset, value []byte) error {
	start := 2 * off.Start
	end := start + 2*off.Length
	if off.Length != len(value)/2 {
		return fmt.Errorf("reference length %d, want %d", off.Length, len(value)/2)
	}
	if start < 0 || end > len(code) {
		return fmt.Errorf("reference [%d,%d) outside bytecode of %d bytes", off.Start, off.Start+off.Length, len(code)/2)
	}
	copy(code[start:end], value)
	return nil
}

func resolveLibraries(contract string, refs LinkReferences, libs map[string]common.Address) (map[string]common.Address, error) {
	byName := map[string][]string{}
	for source, names := range refs {
		for lib := range names {
			byName[lib] = append(byName[lib], source+":"+lib)
		}
	}

	resolved := map[string]common.Address{}
	keys := make([]string, 0, len(libs))
	for k := range libs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var fq string
		if strings.Contains(key, ":") {
			source, lib := splitQualified(key)
			if _, ok := refs[source][lib]; !ok {
				return nil, fmt.Errorf("%s does not link library %s", contract, key)
			}
			fq = key
		} else {
			matches := byName[key]
			switch len(matches) {
			case 0:
				return nil, fmt.Errorf("%s does not link library %s", contract, key)
			case 1:
				fq = matches[0]
			default:
				sort.Strings(matches)
				return nil, fmt.Errorf("%w: library %s of %s matches %s; use a fully qualified name",
					ErrAmbiguous, key, contract, strings.Join(matches, ", "))
			}
		}
		if _, dup := resolved[fq]; dup {
			return nil, fmt.Errorf("library %s of %s is bound more than once", fq, contract)
		}
		resolved[fq] = libs[key]
	}

	var missing []string
	for _, candidates := range byName {
		for _, fq := range candidates {
			if _, ok := resolved[fq]; !ok {
				missing = append(missing, fq)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s requires %s", ErrUnlinked, contract, strings.Join(missing, ", "))
	}
	return resolved, nil
}

func splitQualified(name string) (source, contract string) {
	i := strings.LastIndex(name, ":")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func parseABI(raw json.RawMessage) (abi.ABI, []abiEntry, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return abi.ABI{}, nil, nil
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, nil, fmt.Errorf("parse abi: %w", err)
	}
	var entries []abiEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return abi.ABI{}, nil, fmt.Errorf("parse abi entries: %w", err)
	}
	return parsed, entries, nil
}
