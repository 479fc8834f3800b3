package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func printJSON(w io.Writer, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(blob))
	return err
}

func (o *options) jsonOutput() bool { return o.output == "json" }

// printAddress prints the "<Name> Address: 0x..." line deploy scripts are
// scraped for.
func printAddress(w io.Writer, name string, addr common.Address) {
	fmt.Fprintf(w, "%s Address: %s\n", name, addr.Hex())
}

// formatValue renders a decoded ABI value for text output.
func formatValue(v any) string {
	switch t := v.(type) {
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []byte:
		return hexutil.Encode(t)
	case *big.Int:
		return t.String()
	case [32]byte:
		return hexutil.Encode(t[:])
	default:
		return fmt.Sprint(v)
	}
}
