package backend

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var cidBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidateCID checks that cid looks like a CIDv0 (base58btc sha2-256
// multihash) or a CIDv1 in base32, base36, base58btc or base16
// multibase.
func ValidateCID(cid string) error {
	cid = strings.TrimSpace(cid)
	switch {
	case cid == "":
		return fmt.Errorf("%w: empty", ErrInvalidCID)
	case len(cid) == 46 && strings.HasPrefix(cid, "Qm"):
		raw := base58.Decode(cid)
		if len(raw) != 34 || raw[0] != 0x12 || raw[1] != 0x20 {
			return fmt.Errorf("%w: %q is not a sha2-256 multihash", ErrInvalidCID, cid)
		}
		return nil
	}

	raw, err := decodeMultibase(cid)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCID, cid, err)
	}
	if len(raw) < 4 || raw[0] != 0x01 {
		return fmt.Errorf("%w: %q is not a CIDv1", ErrInvalidCID, cid)
	}
	return nil
}

func decodeMultibase(s string) ([]byte, error) {
	if len(s) < 2 {
		return nil, errors.New("too short")
	}
	body := s[1:]
	switch s[0] {
	case 'b':
		return cidBase32.DecodeString(strings.ToUpper(body))
	case 'B':
		return cidBase32.DecodeString(body)
	case 'k', 'K':
		return decodeBase36(strings.ToLower(body))
	case 'z':
		raw := base58.Decode(body)
		if len(raw) == 0 {
			return nil, errors.New("invalid base58btc")
		}
		return raw, nil
	case 'f', 'F':
		return hex.DecodeString(strings.ToLower(body))
	default:
		return nil, fmt.Errorf("unsupported multibase prefix %q", s[0])
	}
}

func decodeBase36(s string) ([]byte, error) {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') {
			return nil, fmt.Errorf("invalid base36 character %q", r)
		}
	}
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n, ok := new(big.Int).SetString(s, 36)
	if !ok {
		return nil, errors.New("invalid base36")
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}
