// Package devreg describes the developer registry contract: the libraries it
// links, the upgrade checks it is known to fail and its registration calls.
package devreg

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"

	"github.com/devreg/protocol/publish/contracts/stringlib"
	"github.com/devreg/protocol/publish/safety"
)

const (
	name = "DevReg"

	ArtifactName = "DevReg"
)

var (
	funcRegister = w3.MustNewFunc(
		"register(string,string,string,bool,string,string)", "",
	)
	funcNamesByAddress = w3.MustNewFunc(
		"namesByAddress(address)", "string",
	)
	funcDevelopers = w3.MustNewFunc(
		"developers(string)", "string,string,string,bool,string,string",
	)
)

// Profile is a developer entry as stored by the registry.
type Profile struct {
	Name      string `json:"name"`
	Title     string `json:"title"`
	Bio       string `json:"bio"`
	Available bool   `json:"available"`
	Github    string `json:"github"`
	Avatar    string `json:"avatar"`
}

// SampleProfile is registered by the deploy command's smoke check.
var SampleProfile = Profile{
	Name:      "devvie",
	Title:     "web3 developer",
	Bio:       "Cool",
	Available: true,
	Github:    "github.com/stanleyugwu",
	Avatar:    "github.com/stanleyugwu.png",
}

func Name() string { return name }

// Libraries lists the library names DevReg must be linked against.
func Libraries() []string {
	return []string{stringlib.Name()}
}

// UnsafeAllow is the set of upgrade-safety findings DevReg is deployed with.
func UnsafeAllow() []safety.Kind {
	return []safety.Kind{
		safety.StateVariableImmutable,
		safety.Constructor,
		safety.ExternalLibraryLinking,
	}
}

func EncodeRegister(p Profile) ([]byte, error) {
	return funcRegister.EncodeArgs(p.Name, p.Title, p.Bio, p.Available, p.Github, p.Avatar)
}

func EncodeNamesByAddress(account common.Address) ([]byte, error) {
	return funcNamesByAddress.EncodeArgs(account)
}

func DecodeName(output []byte) (string, error) {
	var name string
	if err := funcNamesByAddress.DecodeReturns(output, &name); err != nil {
		return "", fmt.Errorf("decode namesByAddress: %w", err)
	}
	return name, nil
}

func EncodeDevelopers(name string) ([]byte, error) {
	return funcDevelopers.EncodeArgs(name)
}

func DecodeProfile(output []byte) (Profile, error) {
	var p Profile
	if err := funcDevelopers.DecodeReturns(output, &p.Name, &p.Title, &p.Bio, &p.Available, &p.Github, &p.Avatar); err != nil {
		return Profile{}, fmt.Errorf("decode developers: %w", err)
	}
	return p, nil
}
