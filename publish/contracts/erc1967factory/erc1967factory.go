package erc1967factory

import "strings"

const (
	name = "ERC1967Factory"

	// ArtifactName resolves the compiled factory in the artifacts directory.
	ArtifactName = "ERC1967Factory"

	GasLimit uint64 = 1_000_000
)

func Name() string { return name }

// SaltName is the string the CREATE2 salt is derived from. A suffix moves the
// factory to a fresh deterministic address.
func SaltName(suffix string) string {
	if s := strings.TrimSpace(suffix); s != "" {
		return name + ":" + s
	}
	return name
}
