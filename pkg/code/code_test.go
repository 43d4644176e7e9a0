package code_test

import (
	"testing"

	"github.com/ayurchain/ayurchain/pkg/code"
)

func TestParse_valid(t *testing.T) {
	cases := []struct {
		input  string
		kind   code.Kind
		year   int
		serial int
		canon  string
	}{
		{"AYR-2024-001234", code.KindBatch, 2024, 1234, "AYR-2024-001234"},
		{"  ayr-2024-001234\n", code.KindBatch, 2024, 1234, "AYR-2024-001234"},
		{"AYR-PROD-2024-000815", code.KindProduct, 2024, 815, "AYR-PROD-2024-000815"},
		{"ayr-prod-2025-999999", code.KindProduct, 2025, 999999, "AYR-PROD-2025-999999"},
		{"https://verify.ayurchain.in/verify/AYR-PROD-2024-001234", code.KindProduct, 2024, 1234, "AYR-PROD-2024-001234"},
		{"https://verify.ayurchain.in/verify/ayr-2024-000007/", code.KindBatch, 2024, 7, "AYR-2024-000007"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			c, err := code.Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.input, err)
			}
			if c.Kind != tc.kind || c.Year != tc.year || c.Serial != tc.serial {
				t.Errorf("got %+v", c)
			}
			if c.String() != tc.canon {
				t.Errorf("String(): got %q, want %q", c.String(), tc.canon)
			}
			if c.Raw() != tc.input {
				t.Errorf("Raw(): got %q", c.Raw())
			}
		})
	}
}

func TestParse_invalid(t *testing.T) {
	for _, input := range []string{
		"",
		"AYR",
		"AYR-24-001234",
		"AYR-2024-1234",
		"AYR-2024-00123A",
		"XYZ-2024-001234",
		"AYR-PRD-2024-001234",
		"AYR-PROD-2024-001234-1",
		"TX-4F1A9C3B2D7E8F60",
	} {
		if _, err := code.Parse(input); err == nil {
			t.Errorf("Parse(%q): expected error", input)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := code.FormatBatch(2024, 4711); got != "AYR-2024-004711" {
		t.Errorf("FormatBatch: %q", got)
	}
	if got := code.FormatProduct(2024, 815); got != "AYR-PROD-2024-000815" {
		t.Errorf("FormatProduct: %q", got)
	}
}
