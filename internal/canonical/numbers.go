package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// ErrLossyNumber is returned when a number literal does not survive the
// round trip through an IEEE-754 double. Two such literals may share one
// canonical encoding.
var ErrLossyNumber = errors.New("canonical: number not exactly representable")

// CheckNumbers walks v and rejects every json.Number whose decimal value
// differs from the shortest round-trip form of its float64. Only map[string]any, []any and
// json.Number are inspected; other leaves are accepted.
func CheckNumbers(v any) error {
	return checkNumbers(v, "$")
}

func checkNumbers(v any, path string) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if err := checkNumbers(child, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := checkNumbers(child, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case json.Number:
		if !exactDouble(string(t)) {
			return fmt.Errorf("%w: %s at %s", ErrLossyNumber, t, path)
		}
	}
	return nil
}

func exactDouble(lit string) bool {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false
	}
	if f == 0 {
		return zeroMantissa(lit)
	}
	want, ok := new(big.Rat).SetString(lit)
	if !ok {
		return false
	}
	got, ok := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 64))
	if !ok {
		return false
	}
	return want.Cmp(got) == 0
}

// zeroMantissa reports whether every digit before the exponent is zero.
// Underflowing literals such as 1e-400 parse to zero without error.
func zeroMantissa(lit string) bool {
	for _, r := range lit {
		switch {
		case r == 'e' || r == 'E':
			return true
		case r >= '1' && r <= '9':
			return false
		}
	}
	return true
}
