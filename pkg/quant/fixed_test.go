package quant

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1500000000000000000", "1500000000000000000", false},
		{" 42 ", "42", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"", "", true},
		{"-1", "", true},
		{"1.5", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParsePositive_RejectsZero(t *testing.T) {
	if _, err := ParsePositive("0"); err == nil {
		t.Error("expected zero to be rejected")
	}
}

func TestMulDivFloor(t *testing.T) {
	amountIn := decimal.RequireFromString("1500000000000000000")
	price := decimal.RequireFromString("1800000000000000000")

	got := MulDivFloor(amountIn, Scale, price)
	if got.String() != "833333333333333333" {
		t.Errorf("MulDivFloor = %s, want 833333333333333333", got)
	}

	back := MulDivFloor(got, price, Scale)
	if back.String() != "1499999999999999999" {
		t.Errorf("MulDivFloor back = %s, want 1499999999999999999", back)
	}
}

func TestPriceKey_Ordering(t *testing.T) {
	low := PriceKey(decimal.RequireFromString("900000000000000000"))
	high := PriceKey(decimal.RequireFromString("10000000000000000000"))

	if len(low) != priceKeyWidth || len(high) != priceKeyWidth {
		t.Fatalf("unexpected key widths %d, %d", len(low), len(high))
	}
	if !(low < high) {
		t.Errorf("expected %s < %s", low, high)
	}
}

func TestFromHumanAndFormat(t *testing.T) {
	d, err := FromHuman("1.8", PriceDecimals)
	if err != nil {
		t.Fatalf("FromHuman failed: %v", err)
	}
	if d.String() != "1800000000000000000" {
		t.Errorf("FromHuman = %s", d)
	}
	if s := FormatScaled(d, PriceDecimals); s != "1.8" {
		t.Errorf("FormatScaled = %s, want 1.8", s)
	}

	if _, err := FromHuman("0.1234567", 6); err == nil {
		t.Error("expected excess precision to be rejected")
	}
}
