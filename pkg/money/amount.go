// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package money provides a fixed-precision currency amount, avoiding the
// rounding drift that float64 balances accumulate over many small debits.
package money

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of fractional decimal digits Amount preserves.
// At Scale 6, an Amount can represent USD sub-cent provider pricing
// (e.g. $0.000003 per token) without loss.
const Scale = 6

const scaleFactor = 1_000_000 // 10^Scale

// Amount is a fixed-point decimal value stored as micro-units.
// The zero value is zero. Amount is safe to compare with ==.
type Amount struct {
	micros int64
}

// Zero is the additive identity.
var Zero = Amount{}

// FromMicros constructs an Amount directly from micro-units.
func FromMicros(micros int64) Amount {
	return Amount{micros: micros}
}

// FromFloat constructs an Amount from a float64 dollar value. Use only at
// system boundaries (parsing a provider's JSON cost field); never carry
// float64 through arithmetic internally.
func FromFloat(v float64) Amount {
	return Amount{micros: int64(math.Round(v * scaleFactor))}
}

// Parse parses a decimal string such as "4.50" or "-1.234567".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("money: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	var frac int64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > Scale {
			fracStr = fracStr[:Scale]
		}
		for len(fracStr) < Scale {
			fracStr += "0"
		}
		frac, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
		}
	}
	micros := whole*scaleFactor + frac
	if neg {
		micros = -micros
	}
	return Amount{micros: micros}, nil
}

// Micros returns the underlying micro-unit integer.
func (a Amount) Micros() int64 { return a.micros }

// Float64 converts to a float64. Only for display/estimation; never
// re-feed the result back into Amount arithmetic.
func (a Amount) Float64() float64 { return float64(a.micros) / scaleFactor }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{micros: a.micros + b.micros} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{micros: a.micros - b.micros} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{micros: -a.micros} }

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.micros < b.micros:
		return -1
	case a.micros > b.micros:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether a is exactly zero.
func (a Amount) IsZero() bool { return a.micros == 0 }

// IsNegative reports whether a is strictly less than zero.
func (a Amount) IsNegative() bool { return a.micros < 0 }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// AbsDiff returns the absolute difference |a - b|, used by the ledger's
// reconciliation drift check.
func AbsDiff(a, b Amount) Amount {
	d := a.Sub(b)
	if d.IsNegative() {
		return d.Neg()
	}
	return d
}

// String renders the amount as a fixed-point decimal string, e.g. "4.500000".
func (a Amount) String() string {
	neg := a.micros < 0
	micros := a.micros
	if neg {
		micros = -micros
	}
	whole := micros / scaleFactor
	frac := micros % scaleFactor
	s := fmt.Sprintf("%d.%06d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// MarshalJSON encodes the amount as a JSON string, preserving full precision
// (a JSON number would silently round-trip through float64 in most decoders).
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes an amount from either a JSON string or number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer so Amount can be written directly by
// database/sql as a NUMERIC-compatible decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner, accepting the numeric/text/byte encodings
// the postgres and sqlite drivers each use for NUMERIC/TEXT columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case int64:
		*a = FromMicros(v * scaleFactor)
		return nil
	case float64:
		*a = FromFloat(v)
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
