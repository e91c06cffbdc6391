package channel

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/statechan/core/geth"
)

// ParseAmount parses a decimal-string amount as carried on Balance.Amount
// and ChannelState.LockedBalance. An empty string parses as zero.
func ParseAmount(s string) (*uint256.Int, error) {
	return geth.ParseUint256(s)
}

// FormatAmount renders a *uint256.Int back to the decimal string form used
// at the wire boundary.
func FormatAmount(u *uint256.Int) string {
	if u == nil {
		return "0"
	}
	return u.Dec()
}

// AddAmounts returns a + b as a decimal string, or an error if a or b is
// not a valid decimal amount. A sum that overflows 256 bits is also
// returned as an error rather than silently wrapping.
func AddAmounts(a, b string) (string, error) {
	ua, err := ParseAmount(a)
	if err != nil {
		return "", err
	}
	ub, err := ParseAmount(b)
	if err != nil {
		return "", err
	}
	sum, overflow := new(uint256.Int).AddOverflow(ua, ub)
	if overflow {
		return "", errors.New("amount sum overflows 256 bits")
	}
	return FormatAmount(sum), nil
}

// SubAmounts returns a - b as a decimal string. ok is false if b > a
// (underflow), in which case the returned string is meaningless.
func SubAmounts(a, b string) (result string, ok bool, err error) {
	ua, err := ParseAmount(a)
	if err != nil {
		return "", false, err
	}
	ub, err := ParseAmount(b)
	if err != nil {
		return "", false, err
	}
	if ub.Gt(ua) {
		return "", false, nil
	}
	diff := new(uint256.Int).Sub(ua, ub)
	return FormatAmount(diff), true, nil
}

// Parse returns the two amount slots of a Balance as *uint256.Int.
func (b Balance) Parse() (alice, bob *uint256.Int, err error) {
	alice, err = ParseAmount(b.Amount[0])
	if err != nil {
		return nil, nil, err
	}
	bob, err = ParseAmount(b.Amount[1])
	if err != nil {
		return nil, nil, err
	}
	return alice, bob, nil
}

// Sum returns Amount[0] + Amount[1] as a decimal string, the full locked
// sum of a transfer's initial balance regardless of its recipients.
func (b Balance) Sum() (string, error) {
	return AddAmounts(b.Amount[0], b.Amount[1])
}
