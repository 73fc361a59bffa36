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

package money

import "testing"

func TestParseAndString(t *testing.T) {
	cases := map[string]string{
		"4.50":       "4.500000",
		"0":          "0.000000",
		"-1.234567":  "-1.234567",
		"10":         "10.000000",
		"0.0000001":  "0.000000",
		"3.1":        "3.100000",
	}
	for in, want := range cases {
		a, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got := a.String(); got != want {
			t.Errorf("Parse(%q).String() = %q, want %q", in, got, want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	a, _ := Parse("10.00")
	b, _ := Parse("3.00")
	free, _ := Parse("3.00")

	remaining := a.Sub(free)
	if remaining.String() != "7.000000" {
		t.Errorf("Sub = %s, want 7.000000", remaining)
	}

	debit, _ := Parse("4.50")
	if debit.Cmp(free) <= 0 {
		t.Fatalf("expected debit > free credit")
	}
	fromFree := free
	fromPaid := debit.Sub(free)
	if fromPaid.String() != "1.500000" {
		t.Errorf("fromPaid = %s, want 1.500000", fromPaid)
	}
	newPaid := a.Sub(fromPaid)
	if newPaid.String() != "8.500000" {
		t.Errorf("newPaid = %s, want 8.500000", newPaid)
	}
	_ = fromFree
	_ = b
}

func TestCmpAndMinMax(t *testing.T) {
	a, _ := Parse("1.00")
	b, _ := Parse("2.00")
	if a.Cmp(b) != -1 || b.Cmp(a) != 1 || a.Cmp(a) != 0 {
		t.Fatal("Cmp mismatch")
	}
	if Min(a, b) != a || Max(a, b) != b {
		t.Fatal("Min/Max mismatch")
	}
}

func TestAbsDiffTolerance(t *testing.T) {
	a, _ := Parse("100.000000")
	b, _ := Parse("100.0000005")
	d := AbsDiff(a, b)
	tolerance, _ := Parse("0.0001")
	if d.Cmp(tolerance) > 0 {
		t.Errorf("expected drift within tolerance, got %s", d)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a, _ := Parse("4.50")
	data, err := a.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var b Amount
	if err := b.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("round trip mismatch: %s != %s", a, b)
	}
}

func TestScanValue(t *testing.T) {
	a, _ := Parse("12.345")
	v, err := a.Value()
	if err != nil {
		t.Fatal(err)
	}
	var b Amount
	if err := b.Scan(v); err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Scan/Value mismatch: %s != %s", a, b)
	}

	var zero Amount
	if err := zero.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if zero != Zero {
		t.Errorf("Scan(nil) should produce Zero")
	}
}

func TestIsNegativeIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Error("Zero.IsZero() should be true")
	}
	neg, _ := Parse("-0.01")
	if !neg.IsNegative() {
		t.Error("expected negative")
	}
}
