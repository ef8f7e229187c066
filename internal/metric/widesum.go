package metric

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// WideSum accumulates latency totals without overflowing at very large
// request counts. It marshals to a JSON string so the wire protocol never
// loses precision to floating-point JSON numbers.
type WideSum struct {
	value big.Int
}

// NewWideSum returns a sum initialized to v.
func NewWideSum(v uint64) WideSum {
	var s WideSum
	s.value.SetUint64(v)
	return s
}

// Add increments the sum by v.
func (s *WideSum) Add(v uint64) {
	var tmp big.Int
	tmp.SetUint64(v)
	s.value.Add(&s.value, &tmp)
}

// AddSum increments the sum by another sum.
func (s *WideSum) AddSum(other WideSum) {
	s.value.Add(&s.value, &other.value)
}

// IsZero reports whether the sum is zero.
func (s *WideSum) IsZero() bool {
	return s.value.Sign() == 0
}

// DivUint64 returns the integer quotient sum/divisor clamped to uint64,
// or 0 when the divisor is 0.
func (s *WideSum) DivUint64(divisor uint64) uint64 {
	if divisor == 0 {
		return 0
	}
	var div, quo big.Int
	div.SetUint64(divisor)
	quo.Div(&s.value, &div)
	if !quo.IsUint64() {
		return ^uint64(0)
	}
	return quo.Uint64()
}

// String renders the decimal value.
func (s WideSum) String() string {
	return s.value.String()
}

// MarshalJSON encodes the sum as a decimal string.
func (s WideSum) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value.String())
}

// UnmarshalJSON accepts either a decimal string or a non-negative JSON
// number, for compatibility with senders that emit small sums as numbers.
func (s *WideSum) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if _, ok := s.value.SetString(asString, 10); !ok {
			return fmt.Errorf("invalid wide sum %q", asString)
		}
		if s.value.Sign() < 0 {
			return fmt.Errorf("negative wide sum %q", asString)
		}
		return nil
	}
	var asNumber uint64
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return fmt.Errorf("wide sum must be a string or non-negative integer: %w", err)
	}
	s.value.SetUint64(asNumber)
	return nil
}
