package amount

import (
	"errors"
	"math"
	"testing"
)

func TestAddOverflow(t *testing.T) {
	got, err := Add(1, 2)
	if err != nil || got != 3 {
		t.Fatalf("Add(1,2) = %d, %v", got, err)
	}
	if _, err := Add(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSubUnderflow(t *testing.T) {
	got, err := Sub(10, 4)
	if err != nil || got != 6 {
		t.Fatalf("Sub(10,4) = %d, %v", got, err)
	}
	if _, err := Sub(4, 10); !errors.Is(err, ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
}

func TestProduct(t *testing.T) {
	tests := []struct {
		name    string
		factors []uint64
		want    uint64
		wantErr error
	}{
		{"empty is one", nil, 1, nil},
		{"simple", []uint64{2, 3, 7}, 42, nil},
		{"zero factor", []uint64{math.MaxUint64, 0}, 0, nil},
		{"max fits", []uint64{math.MaxUint64, 1}, math.MaxUint64, nil},
		{"overflow", []uint64{math.MaxUint64, 2}, 0, ErrOverflow},
		{"overflow mid-way even if later zero", []uint64{1 << 40, 1 << 40, 0}, 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Product(tt.factors...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv(t *testing.T) {
	got, err := MulDiv(10000, 10_000_000, 150, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got != 15_000_000 {
		t.Errorf("got %d, want 15000000", got)
	}

	// Truncates toward zero.
	got, _ = MulDiv(3, 10)
	if got != 3 {
		t.Errorf("10/3 = %d, want 3", got)
	}

	if _, err := MulDiv(0, 1); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
		ok    bool
	}{
		{"1", 1_000_000, true},
		{"1.5", 1_500_000, true},
		{"0.000001", 1, true},
		{"007.50", 7_500_000, true},
		{"", 0, false},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"1.0000001", 0, false},
		{".5", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		if tt.ok && err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if !tt.ok && err == nil {
			t.Errorf("Parse(%q) expected error, got %d", tt.input, got)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := map[uint64]string{
		0:          "0.000000",
		1:          "0.000001",
		1_500_000:  "1.500000",
		15_000_000: "15.000000",
	}
	for in, want := range tests {
		if got := Format(in); got != want {
			t.Errorf("Format(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 999_999, 1_000_000, 123_456_789} {
		got, err := Parse(Format(v))
		if err != nil || got != v {
			t.Errorf("round trip %d -> %q -> %d (%v)", v, Format(v), got, err)
		}
	}
}

func TestNumeric(t *testing.T) {
	v, err := Numeric(^uint64(0)).Value()
	if err != nil || v != "18446744073709551615" {
		t.Fatalf("Value() = %v, %v", v, err)
	}

	var got uint64
	for _, src := range []any{"42", []byte("42"), int64(42)} {
		got = 0
		if err := Scanner(&got).Scan(src); err != nil || got != 42 {
			t.Fatalf("Scan(%T) = %d, %v", src, got, err)
		}
	}
	if err := Scanner(&got).Scan(nil); err != nil || got != 0 {
		t.Fatalf("Scan(nil) = %d, %v", got, err)
	}
	if err := Scanner(&got).Scan("1.5"); err == nil {
		t.Fatal("expected error for fractional numeric")
	}
	if err := Scanner(&got).Scan(int64(-1)); err == nil {
		t.Fatal("expected error for negative numeric")
	}
}
