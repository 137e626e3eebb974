package decimal

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("valid amounts", func(t *testing.T) {
		cases := map[string]int64{
			"150.00":        15000,
			"150":           15000,
			"150.5":         15050,
			"0":             0,
			"0.01":          1,
			"+12.34":        1234,
			"-12.34":        -1234,
			"9999999999.99": 999_999_999_999,
			"-0.00":         0,
			"0000150.00":    15000,
		}
		for input, want := range cases {
			d, err := Parse(input)
			if err != nil {
				t.Errorf("Parse(%q) failed: %v", input, err)
				continue
			}
			if d.MinorUnits() != want {
				t.Errorf("Parse(%q) = %d minor units, want %d", input, d.MinorUnits(), want)
			}
		}
	})

	t.Run("invalid amounts", func(t *testing.T) {
		invalids := []string{"", "abc", "12.345", "1.2.3", ".5", "5.", "12a", "10000000000.00"}
		for _, s := range invalids {
			if _, err := Parse(s); err == nil {
				t.Errorf("Parse(%q) should fail", s)
			}
		}
	})
}

func TestParseRounded(t *testing.T) {
	cases := map[string]string{
		"150.00":  "150.00",
		"2.125":   "2.12", // half to even, 2 is even
		"2.135":   "2.14", // half to even, 4 is even
		"2.145":   "2.14",
		"2.155":   "2.16",
		"2.1251":  "2.13", // above half, up
		"2.1249":  "2.12", // below half, down
		"0.004":   "0.00",
		"0.006":   "0.01",
		"0.005":   "0.00", // half, 0 is even
		"0.015":   "0.02", // half, 2 is even
		"-2.125":  "-2.12",
		"-2.135":  "-2.14",
		"-0.005":  "-0.00",
		"1.99999": "2.00",
	}
	for input, want := range cases {
		d, err := ParseRounded(input)
		if err != nil {
			t.Fatalf("ParseRounded(%q) failed: %v", input, err)
		}
		got := d.String()
		if want == "-0.00" {
			want = "0.00" // negative zero collapses
		}
		if got != want {
			t.Errorf("ParseRounded(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := ParseRounded("99999999999.995"); err == nil {
		t.Error("ParseRounded should reject amounts beyond 10 integer digits")
	}
}

func TestString(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		1:      "0.01",
		15000:  "150.00",
		15005:  "150.05",
		-1234:  "-12.34",
		-5:     "-0.05",
		999_999_999_999: "9999999999.99",
	}
	for minor, want := range cases {
		if got := FromMinorUnits(minor).String(); got != want {
			t.Errorf("FromMinorUnits(%d).String() = %q, want %q", minor, got, want)
		}
	}
}

func TestCmp(t *testing.T) {
	a := FromMinorUnits(100)
	b := FromMinorUnits(200)
	if a.Cmp(b) != -1 || b.Cmp(a) != 1 || a.Cmp(a) != 0 {
		t.Error("Cmp ordering is wrong")
	}
	if !FromMinorUnits(-1).IsNegative() || FromMinorUnits(0).IsNegative() {
		t.Error("IsNegative is wrong")
	}
	if !FromMinorUnits(0).IsZero() || FromMinorUnits(1).IsZero() {
		t.Error("IsZero is wrong")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	d, err := Parse("150.05")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"150.05"` {
		t.Fatalf("Marshal = %s, want \"150.05\"", raw)
	}

	var back Decimal
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Cmp(d) != 0 {
		t.Fatalf("round trip changed value: %s != %s", back, d)
	}

	var fromNumber Decimal
	if err := json.Unmarshal([]byte(`150.5`), &fromNumber); err != nil {
		t.Fatal(err)
	}
	if fromNumber.String() != "150.50" {
		t.Fatalf("bare-number form parsed to %s", fromNumber)
	}
}
