package config

import (
	"fmt"
	"math/big"
	"strings"
)

var units = map[string]*big.Rat{
	"wei":   big.NewRat(1, 1),
	"gwei":  new(big.Rat).SetInt64(1_000_000_000),
	"ether": new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
}

// ParseWei parses "1500000000", "0x59682f00", "1.5 gwei", "1.5gwei" or "0.01 ether".
// An empty string yields nil, meaning "let the network decide".
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	amount, unit := s, "wei"
	if i := strings.IndexAny(s, " \t"); i > 0 {
		amount, unit = s[:i], strings.ToLower(strings.TrimSpace(s[i+1:]))
	} else {
		lower := strings.ToLower(s)
		// gwei before wei: both end in "wei"
		for _, u := range []string{"gwei", "ether", "wei"} {
			if strings.HasSuffix(lower, u) && len(s) > len(u) {
				amount, unit = s[:len(s)-len(u)], u
				break
			}
		}
	}
	scale, ok := units[unit]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", unit)
	}

	if strings.HasPrefix(amount, "0x") && unit == "wei" {
		n, ok := new(big.Int).SetString(amount[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		return n, nil
	}

	r, ok := new(big.Rat).SetString(amount)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	r.Mul(r, scale)
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}
