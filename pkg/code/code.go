// Package code parses and formats AyurChain batch and product codes.
//
// Code formats:
//
//	AYR-2024-004711        batch
//	AYR-PROD-2024-000815   product
//
// Codes are printed on packaging and encoded in QR labels. Parse accepts the
// bare code or a verification URL whose last path segment is the code, in
// any letter case, surrounded by whitespace.
package code

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind distinguishes batch codes from product codes.
type Kind string

const (
	KindBatch   Kind = "batch"
	KindProduct Kind = "product"
)

const (
	prefix        = "AYR"
	productMarker = "PROD"
	serialDigits  = 6
)

// Code is a parsed batch or product code.
type Code struct {
	Kind   Kind
	Year   int
	Serial int
	raw    string
}

// String returns the canonical form of the code.
func (c *Code) String() string {
	if c.Kind == KindProduct {
		return FormatProduct(c.Year, c.Serial)
	}
	return FormatBatch(c.Year, c.Serial)
}

// Raw returns the input Parse was given.
func (c *Code) Raw() string { return c.raw }

// Parse validates raw and returns the parsed code.
func Parse(raw string) (*Code, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "/") {
		if u, err := url.Parse(s); err == nil && u.Path != "" {
			s = u.Path
		}
		s = strings.TrimRight(s, "/")
		s = s[strings.LastIndex(s, "/")+1:]
	}
	s = strings.ToUpper(s)

	parts := strings.Split(s, "-")
	kind := KindBatch
	switch {
	case len(parts) == 3 && parts[0] == prefix:
		parts = parts[1:]
	case len(parts) == 4 && parts[0] == prefix && parts[1] == productMarker:
		kind = KindProduct
		parts = parts[2:]
	default:
		return nil, fmt.Errorf("malformed code %q: expected AYR-YYYY-NNNNNN or AYR-PROD-YYYY-NNNNNN", raw)
	}

	year, err := digits(parts[0], 4)
	if err != nil {
		return nil, fmt.Errorf("malformed year in code %q: %w", raw, err)
	}
	serial, err := digits(parts[1], serialDigits)
	if err != nil {
		return nil, fmt.Errorf("malformed serial in code %q: %w", raw, err)
	}
	return &Code{Kind: kind, Year: year, Serial: serial, raw: raw}, nil
}

// FormatBatch returns the batch code for year and serial.
func FormatBatch(year, serial int) string {
	return fmt.Sprintf("%s-%04d-%06d", prefix, year, serial)
}

// FormatProduct returns the product code for year and serial.
func FormatProduct(year, serial int) string {
	return fmt.Sprintf("%s-%s-%04d-%06d", prefix, productMarker, year, serial)
}

func digits(s string, n int) (int, error) {
	if len(s) != n {
		return 0, fmt.Errorf("want %d digits, got %q", n, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit in %q", s)
		}
	}
	return strconv.Atoi(s)
}
