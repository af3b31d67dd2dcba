// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		prec    int32
		want    string
		wantErr bool
	}{
		{"plain", "1.5", 2, "1.5", false},
		{"round half even down", "0.125", 2, "0.12", false},
		{"round half even up", "0.135", 2, "0.14", false},
		{"integer", "42", 8, "42", false},
		{"negative", "-3.14159", 3, "-3.142", false},
		{"spaces", " 7.0 ", 1, "7", false},
		{"empty", "", 2, "", true},
		{"garbage", "abc", 2, "", true},
		{"exponent", "1e5", 2, "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, tt.prec)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: wantErr = %v, got err = %v", tt.name, tt.wantErr, err)
		}
		if tt.wantErr {
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestQuo(t *testing.T) {
	tests := []struct {
		a, b string
		prec int32
		want string
	}{
		{"100", "3", 2, "33.33"},
		{"200", "3", 2, "66.67"},
		{"90", "9000", 8, "0.01"},
		{"1", "8", 2, "0.12"},
	}
	for _, tt := range tests {
		got := Quo(decimal.RequireFromString(tt.a), decimal.RequireFromString(tt.b), tt.prec)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("%s / %s @%d: got %s, want %s", tt.a, tt.b, tt.prec, got, tt.want)
		}
	}
}

func TestIntervals(t *testing.T) {
	ten := decimal.NewFromInt(10)
	tests := []struct {
		in          string
		ceil, floor string
	}{
		{"101", "110", "100"},
		{"100", "100", "100"},
		{"99.99", "100", "90"},
		{"0.5", "10", "0"},
	}
	for _, tt := range tests {
		d := decimal.RequireFromString(tt.in)
		if got := CeilTo(d, ten); !got.Equal(decimal.RequireFromString(tt.ceil)) {
			t.Errorf("CeilTo(%s): got %s, want %s", tt.in, got, tt.ceil)
		}
		if got := FloorTo(d, ten); !got.Equal(decimal.RequireFromString(tt.floor)) {
			t.Errorf("FloorTo(%s): got %s, want %s", tt.in, got, tt.floor)
		}
	}

	half := decimal.RequireFromString("0.5")
	if got := CeilTo(decimal.RequireFromString("1.2"), half); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("CeilTo fractional interval: got %s", got)
	}
}

func TestIsRate(t *testing.T) {
	for s, want := range map[string]bool{
		"0":      true,
		"0.002":  true,
		"0.9999": true,
		"1":      false,
		"1.5":    false,
		"-0.001": false,
	} {
		if got := IsRate(decimal.RequireFromString(s)); got != want {
			t.Errorf("IsRate(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.RequireFromString("10"), 2); got != "10.00" {
		t.Errorf("got %q", got)
	}
	if got := Format(decimal.RequireFromString("0.125"), 2); got != "0.12" {
		t.Errorf("got %q", got)
	}
	if got := Unit(3); !got.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("Unit(3) = %s", got)
	}
}

func TestShow(t *testing.T) {
	tests := []struct {
		d    string
		prec int32
		want string
	}{
		{"9000", 2, "9000.00"},
		{"9000.00000", 2, "9000.00"},
		{"249.995", 2, "249.995"},
		{"0.5", 4, "0.5000"},
		{"-1.5", 0, "-1.5"},
		{"0", 8, "0.00000000"},
		{"12", 0, "12"},
	}
	for _, tt := range tests {
		if got := Show(decimal.RequireFromString(tt.d), tt.prec); got != tt.want {
			t.Errorf("Show(%s, %d) = %q, want %q", tt.d, tt.prec, got, tt.want)
		}
	}
}
