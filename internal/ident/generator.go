// Package ident allocates batch, product and event identifiers.
//
// Candidates are drawn from crypto/rand and checked against the ledger key
// space before they are handed out; the generator never writes anything.
package ident

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds the number of candidates tried per allocation.
const DefaultMaxAttempts = 8

// ErrGenerationExhausted is returned when every candidate collided with an
// existing identifier.
var ErrGenerationExhausted = errors.New("ident: identifier space exhausted")

// KeySpace answers whether an identifier is already in use.
// ledger.Store satisfies it.
type KeySpace interface {
	ChainExists(ctx context.Context, chainKey string) (bool, error)
	EventExists(ctx context.Context, eventID string) (bool, error)
}

// Generator allocates unused identifiers.
type Generator struct {
	keys        KeySpace
	maxAttempts int
	random      func() (int64, error)
}

// New returns a Generator that checks candidates against keys.
func New(keys KeySpace) *Generator {
	return &Generator{keys: keys, maxAttempts: DefaultMaxAttempts, random: randomSerial}
}

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func (g *Generator) WithMaxAttempts(n int) *Generator {
	if n > 0 {
		g.maxAttempts = n
	}
	return g
}

// NewBatchID returns an unused identifier of the form AYR-2024-004711.
func (g *Generator) NewBatchID(ctx context.Context, year int) (string, error) {
	return g.allocate(ctx, func() (string, error) {
		n, err := g.random()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("AYR-%04d-%06d", year, n), nil
	}, g.keys.ChainExists)
}

// NewProductID returns an unused identifier of the form AYR-PROD-2024-000815.
func (g *Generator) NewProductID(ctx context.Context, year int) (string, error) {
	return g.allocate(ctx, func() (string, error) {
		n, err := g.random()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("AYR-PROD-%04d-%06d", year, n), nil
	}, g.keys.ChainExists)
}

// NewEventID returns an unused transaction identifier: "TX-" followed by 16
// upper-case hex characters taken from a random UUID.
func (g *Generator) NewEventID(ctx context.Context) (string, error) {
	return g.allocate(ctx, func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		hex := strings.ReplaceAll(id.String(), "-", "")
		return "TX-" + strings.ToUpper(hex[:16]), nil
	}, g.keys.EventExists)
}

func (g *Generator) allocate(
	ctx context.Context,
	candidate func() (string, error),
	taken func(context.Context, string) (bool, error),
) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := candidate()
		if err != nil {
			return "", fmt.Errorf("generate candidate: %w", err)
		}
		exists, err := taken(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check identifier %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrGenerationExhausted
}

var serialSpace = big.NewInt(1_000_000)

func randomSerial() (int64, error) {
	n, err := rand.Int(rand.Reader, serialSpace)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
