package safety

const (
	opPush1        = 0x60
	opPush32       = 0x7f
	opDelegateCall = 0xf4
	opSelfDestruct = 0xff
)

type opcodeCounts struct {
	delegateCall int
	selfDestruct int
}

// scanOpcodes walks runtime code instruction by instruction, skipping PUSH
// immediates and the trailing CBOR metadata.
func scanOpcodes(code []byte) opcodeCounts {
	code = stripMetadata(code)
	var counts opcodeCounts
	for pc := 0; pc < len(code); pc++ {
		op := code[pc]
		switch {
		case op >= opPush1 && op <= opPush32:
			pc += int(op-opPush1) + 1
		case op == opDelegateCall:
			counts.delegateCall++
		case op == opSelfDestruct:
			counts.selfDestruct++
		}
	}
	return counts
}

// stripMetadata removes the solc metadata trailer: a CBOR map followed by
// its two-byte big-endian length.
func stripMetadata(code []byte) []byte {
	if len(code) < 2 {
		return code
	}
	n := int(code[len(code)-2])<<8 | int(code[len(code)-1])
	start := len(code) - 2 - n
	if n == 0 || start < 0 {
		return code
	}
	// CBOR map headers with 1 to 7 entries.
	if head := code[start]; head < 0xa1 || head > 0xa7 {
		return code
	}
	return code[:start]
}
