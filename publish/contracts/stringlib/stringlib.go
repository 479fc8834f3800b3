// Package stringlib describes the String library DevReg links against.
package stringlib

const (
	name = "String"

	ArtifactName       = "String"
	FullyQualifiedName = "contracts/String.sol:String"
)

func Name() string { return name }
