// Package safety checks that a compiled contract can sit behind an
// upgradeable proxy. Kinds use the names of the upgrades plugin's unsafeAllow
// option so existing deployment settings carry over unchanged.
//
// Only what is observable in artifacts is checked: ABI entries, link and
// immutable references and runtime opcodes. Source-level kinds are accepted
// in allow lists but never reported.
package safety

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devreg/protocol/publish/artifact"
)

type Kind string

const (
	StateVariableAssignment Kind = "state-variable-assignment"
	StateVariableImmutable  Kind = "state-variable-immutable"
	ExternalLibraryLinking  Kind = "external-library-linking"
	StructDefinition        Kind = "struct-definition"
	EnumDefinition          Kind = "enum-definition"
	Constructor             Kind = "constructor"
	DelegateCall            Kind = "delegatecall"
	SelfDestruct            Kind = "selfdestruct"
	MissingPublicUpgradeTo  Kind = "missing-public-upgradeto"
)

var knownKinds = map[Kind]bool{
	StateVariableAssignment: true,
	StateVariableImmutable:  true,
	ExternalLibraryLinking:  true,
	StructDefinition:        true,
	EnumDefinition:          true,
	Constructor:             true,
	DelegateCall:            true,
	SelfDestruct:            true,
	MissingPublicUpgradeTo:  true,
}

// ProxyKind selects the proxy flavour being validated for.
type ProxyKind string

const (
	Transparent ProxyKind = "transparent"
	UUPS        ProxyKind = "uups"
)

func ParseProxyKind(s string) (ProxyKind, error) {
	switch ProxyKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", Transparent:
		return Transparent, nil
	case UUPS:
		return UUPS, nil
	default:
		return "", fmt.Errorf("unknown proxy kind %q (want transparent or uups)", s)
	}
}

// ParseKinds validates a list of unsafe-allow names.
func ParseKinds(values []string) ([]Kind, error) {
	out := make([]Kind, 0, len(values))
	for _, v := range values {
		k := Kind(strings.TrimSpace(v))
		if k == "" {
			continue
		}
		if !knownKinds[k] {
			return nil, fmt.Errorf("unknown unsafe-allow kind %q", v)
		}
		out = append(out, k)
	}
	return out, nil
}

type Options struct {
	Kind        ProxyKind
	UnsafeAllow []Kind
}

func (o Options) allows(k Kind) bool {
	for _, a := range o.UnsafeAllow {
		if a == k {
			return true
		}
	}
	return false
}

type Finding struct {
	Kind   Kind
	Detail string
}

// ValidationError lists every finding that was not allowed.
type ValidationError struct {
	Contract string
	Findings []Finding
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "contract %s is not upgrade safe:", e.Contract)
	for _, f := range e.Findings {
		fmt.Fprintf(&b, "\n  - %s: %s", f.Kind, f.Detail)
	}
	return b.String()
}

// Inspect returns every finding for a, allowed or not.
func Inspect(a *artifact.Artifact, kind ProxyKind) ([]Finding, error) {
	var findings []Finding

	if a.HasConstructor() {
		findings = append(findings, Finding{Constructor, "contract declares a constructor; use an initializer"})
	}

	if n := countOffsets(a.ImmutableReferences); n > 0 {
		findings = append(findings, Finding{StateVariableImmutable,
			fmt.Sprintf("%d immutable reference(s) in runtime code", n)})
	}

	libs := a.Libraries()
	if len(libs) > 0 {
		findings = append(findings, Finding{ExternalLibraryLinking,
			"links external libraries " + strings.Join(libs, ", ")})
	}

	code, err := a.DeployedCode()
	if err != nil {
		return nil, err
	}
	ops := scanOpcodes(code)
	if ops.selfDestruct > 0 {
		findings = append(findings, Finding{SelfDestruct,
			fmt.Sprintf("runtime code contains SELFDESTRUCT (%d occurrence(s))", ops.selfDestruct)})
	}
	// Calls into linked libraries compile to DELEGATECALL.
	if ops.delegateCall > 0 && len(libs) == 0 && len(a.DeployedLinkReferences) == 0 {
		findings = append(findings, Finding{DelegateCall,
			fmt.Sprintf("runtime code contains DELEGATECALL (%d occurrence(s))", ops.delegateCall)})
	}

	if kind == UUPS && !a.HasFunction("upgradeToAndCall") && !a.HasFunction("upgradeTo") {
		findings = append(findings, Finding{MissingPublicUpgradeTo,
			"UUPS implementation has no public upgradeToAndCall"})
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Kind < findings[j].Kind })
	return findings, nil
}

// Validate fails with *ValidationError when a has findings not covered by
// opts.UnsafeAllow.
func Validate(a *artifact.Artifact, opts Options) error {
	findings, err := Inspect(a, opts.Kind)
	if err != nil {
		return err
	}
	var denied []Finding
	for _, f := range findings {
		if !opts.allows(f.Kind) {
			denied = append(denied, f)
		}
	}
	if len(denied) > 0 {
		return &ValidationError{Contract: a.ContractName, Findings: denied}
	}
	return nil
}

func countOffsets(refs artifact.ImmutableReferences) int {
	n := 0
	for _, offsets := range refs {
		n += len(offsets)
	}
	return n
}
