package x402

import (
	"errors"
	"math/big"
	"testing"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "$0.005", want: "$0.005"},
		{in: "0.005", want: "$0.005"},
		{in: " $1 ", want: "$1"},
		{in: "$0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "$", wantErr: true},
		{in: "five cents", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrice(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("error should wrap ErrInvalidAmount, got %v", err)
				}
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.in, got, tt.want)
			}
			if got.Currency != CurrencyUSD {
				t.Errorf("Currency = %q, want %q", got.Currency, CurrencyUSD)
			}
		})
	}
}

func TestPriceAtomic(t *testing.T) {
	tests := []struct {
		price    string
		decimals int
		want     int64
		wantErr  bool
	}{
		{price: "0.005", decimals: 6, want: 5000},
		{price: "1", decimals: 6, want: 1000000},
		{price: "0.004", decimals: 6, want: 4000},
		{price: "0.000001", decimals: 6, want: 1},
		{price: "0.0000001", decimals: 6, wantErr: true},
		{price: "0.5", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			got, err := MustParsePrice(tt.price).Atomic(tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Atomic() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("Atomic() = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestParseAndFormatAtomic(t *testing.T) {
	v, err := ParseAtomic("5000")
	if err != nil {
		t.Fatalf("ParseAtomic() error = %v", err)
	}
	if got := FormatAtomic(v, 6); got != "0.005" {
		t.Errorf("FormatAtomic() = %q, want 0.005", got)
	}
	if got := FormatAtomic(nil, 6); got != "0" {
		t.Errorf("FormatAtomic(nil) = %q, want 0", got)
	}
	for _, bad := range []string{"", "-1", "1.5", "0x10"} {
		if _, err := ParseAtomic(bad); err == nil {
			t.Errorf("ParseAtomic(%q) should fail", bad)
		}
	}
}
