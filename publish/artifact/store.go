package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store resolves artifacts below a root directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Load resolves name, either a bare contract name ("DevReg") or a fully
// qualified one ("contracts/DevReg.sol:DevReg").
func (s *Store) Load(name string) (*Artifact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("artifact name is required")
	}
	source, contract := splitQualified(name)

	if source != "" {
		for _, candidate := range []string{
			filepath.Join(s.root, filepath.FromSlash(source), contract+".json"),
			filepath.Join(s.root, filepath.Base(source), contract+".json"),
		} {
			a, err := readFile(candidate, contract)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if a.SourceName == "" || a.SourceName == source {
				return a, nil
			}
		}
	}

	paths, err := s.find(contract)
	if err != nil {
		return nil, err
	}

	var matches []*Artifact
	for _, p := range paths {
		a, err := readFile(p, contract)
		if err != nil {
			return nil, err
		}
		if a.ContractName != contract {
			continue
		}
		if source != "" && a.SourceName != source {
			continue
		}
		matches = append(matches, a)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, s.root)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.FullyQualifiedName()
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %s matches %s; use a fully qualified name", ErrAmbiguous, name, strings.Join(names, ", "))
	}
}

func (s *Store) find(contract string) ([]string, error) {
	want := contract + ".json"
	var out []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == want {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifacts directory %s does not exist", ErrNotFound, s.root)
		}
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

type rawBytecode struct {
	Object              string
	LinkReferences      LinkReferences
	ImmutableReferences ImmutableReferences
}

// UnmarshalJSON accepts the Hardhat string form and the Foundry object form.
func (b *rawBytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.Object = s
		return nil
	}
	var obj struct {
		Object              string              `json:"object"`
		LinkReferences      LinkReferences      `json:"linkReferences"`
		ImmutableReferences ImmutableReferences `json:"immutableReferences"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("bytecode: %w", err)
	}
	b.Object = obj.Object
	b.LinkReferences = obj.LinkReferences
	b.ImmutableReferences = obj.ImmutableReferences
	return nil
}

type rawArtifact struct {
	ContractName           string          `json:"contractName"`
	SourceName             string          `json:"sourceName"`
	ABI                    json.RawMessage `json:"abi"`
	Bytecode               rawBytecode     `json:"bytecode"`
	DeployedBytecode       rawBytecode     `json:"deployedBytecode"`
	LinkReferences         LinkReferences  `json:"linkReferences"`
	DeployedLinkReferences LinkReferences  `json:"deployedLinkReferences"`
	Metadata               json.RawMessage `json:"metadata"`
}

// Parse decodes an artifact document. fallbackName is used when the document
// does not carry a contract name (Foundry).
func Parse(data []byte, fallbackName string) (*Artifact, error) {
	var raw rawArtifact
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	parsed, entries, err := parseABI(raw.ABI)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		ContractName:           raw.ContractName,
		SourceName:             raw.SourceName,
		ABI:                    parsed,
		Bytecode:               raw.Bytecode.Object,
		DeployedBytecode:       raw.DeployedBytecode.Object,
		LinkReferences:         raw.LinkReferences,
		DeployedLinkReferences: raw.DeployedLinkReferences,
		ImmutableReferences:    raw.DeployedBytecode.ImmutableReferences,
		entries:                entries,
	}
	if a.ContractName == "" {
		a.ContractName = fallbackName
	}
	if a.LinkReferences == nil {
		a.LinkReferences = raw.Bytecode.LinkReferences
	}
	if a.DeployedLinkReferences == nil {
		a.DeployedLinkReferences = raw.DeployedBytecode.LinkReferences
	}
	if a.SourceName == "" {
		a.SourceName = compilationTarget(raw.Metadata, a.ContractName)
	}
	return a, nil
}

// compilationTarget reads metadata.settings.compilationTarget, which Foundry
// emits either as an object or as a JSON-encoded string.
func compilationTarget(metadata json.RawMessage, contract string) string {
	if len(metadata) == 0 {
		return ""
	}
	var doc struct {
		Settings struct {
			CompilationTarget map[string]string `json:"compilationTarget"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(metadata, &doc); err != nil {
		var encoded string
		if json.Unmarshal(metadata, &encoded) != nil || json.Unmarshal([]byte(encoded), &doc) != nil {
			return ""
		}
	}
	for source, name := range doc.Settings.CompilationTarget {
		if name == contract {
			return source
		}
	}
	return ""
}

func readFile(path, fallbackName string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Parse(data, fallbackName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.Path = path
	if a.ImmutableReferences == nil {
		refs, err := immutableReferencesFromBuildInfo(path, a.SourceName, a.ContractName)
		if err != nil {
			return nil, err
		}
		a.ImmutableReferences = refs
	}
	return a, nil
}

// immutableReferencesFromBuildInfo follows a Hardhat <Name>.dbg.json pointer to
// the build-info file and extracts the runtime immutable references. Missing
// debug files are not an error.
func immutableReferencesFromBuildInfo(artifactPath, source, contract string) (ImmutableReferences, error) {
	dbgPath := strings.TrimSuffix(artifactPath, ".json") + ".dbg.json"
	data, err := os.ReadFile(dbgPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dbgPath, err)
	}
	var dbg struct {
		BuildInfo string `json:"buildInfo"`
	}
	if err := json.Unmarshal(data, &dbg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", dbgPath, err)
	}
	if dbg.BuildInfo == "" {
		return nil, nil
	}

	buildInfoPath := filepath.Join(filepath.Dir(dbgPath), filepath.FromSlash(dbg.BuildInfo))
	data, err = os.ReadFile(buildInfoPath)
	if err != nil {
		return nil, fmt.Errorf("read build info: %w", err)
	}
	var info struct {
		Output struct {
			Contracts map[string]map[string]struct {
				EVM struct {
					DeployedBytecode struct {
						ImmutableReferences ImmutableReferences `json:"immutableReferences"`
					} `json:"deployedBytecode"`
				} `json:"evm"`
			} `json:"contracts"`
		} `json:"output"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode build info %s: %w", buildInfoPath, err)
	}
	return info.Output.Contracts[source][contract].EVM.DeployedBytecode.ImmutableReferences, nil
}
