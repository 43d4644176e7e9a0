// Package provenance resolves a batch or product code to its verified
// chain of custody.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/registry/model"
	"github.com/ayurchain/ayurchain/internal/registry/repository"
	"github.com/ayurchain/ayurchain/pkg/code"
)

var (
	// ErrNotFound is returned for malformed codes and codes with no record.
	ErrNotFound = errors.New("provenance: not found")
	// ErrIntegrityViolation is returned when a chain fails verification.
	ErrIntegrityViolation = errors.New("provenance: integrity violation")
)

// IntegrityError names the chain that failed verification.
type IntegrityError struct {
	ChainKey string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain %s failed integrity verification", e.ChainKey)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// Metadata reads immutable batch and product records.
// Every repository.*Repository satisfies it.
type Metadata interface {
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
}

// ChainReader is the read side of ledger.Store.
type ChainReader interface {
	Chain(ctx context.Context, chainKey string) ([]*ledger.Event, error)
}

// BatchRecord is a batch with its verified chain.
type BatchRecord struct {
	Batch      *model.Batch    `json:"batch"`
	Percentage float64         `json:"percentage,omitempty"`
	Chain      []*ledger.Event `json:"chain"`
}

// Record is the resolved provenance of a code. For a product, Batches lists
// the composition in order; for a batch, Batch holds the single record.
type Record struct {
	Code    string          `json:"code"`
	Kind    code.Kind       `json:"kind"`
	Batch   *BatchRecord    `json:"batch,omitempty"`
	Product *model.Product  `json:"product,omitempty"`
	Chain   []*ledger.Event `json:"chain,omitempty"`
	Batches []*BatchRecord  `json:"batches,omitempty"`
}

// Chains returns every chain in the record keyed by chain key.
func (r *Record) Chains() map[string][]*ledger.Event {
	out := make(map[string][]*ledger.Event)
	if r.Product != nil {
		out[r.Product.ProductID] = r.Chain
	}
	if r.Batch != nil {
		out[r.Batch.Batch.BatchID] = r.Batch.Chain
	}
	for _, b := range r.Batches {
		out[b.Batch.BatchID] = b.Chain
	}
	return out
}

// Config controls the Resolver.
type Config struct {
	// CacheTTL bounds how long metadata is memoised. Zero uses 10 minutes.
	CacheTTL time.Duration
	// Fanout bounds concurrent batch lookups for a product. Zero uses 8.
	Fanout int
}

// Resolver assembles provenance records. It only reads.
type Resolver struct {
	chains ChainReader
	meta   Metadata
	cache  *metaCache
	fanout int
	logger *zap.Logger
}

// New creates a Resolver.
func New(chains ChainReader, meta Metadata, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 8
	}
	return &Resolver{
		chains: chains,
		meta:   meta,
		cache:  newMetaCache(cfg.CacheTTL),
		fanout: cfg.Fanout,
		logger: logger,
	}
}

var tracer = otel.Tracer("github.com/ayurchain/ayurchain/internal/provenance")

// Resolve returns the verified provenance of raw. Any chain failing
// verification aborts the whole resolution with an *IntegrityError.
func (r *Resolver) Resolve(ctx context.Context, raw string) (rec *Record, err error) {
	ctx, span := tracer.Start(ctx, "provenance.Resolve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c, err := code.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	span.SetAttributes(
		attribute.String("ayurchain.code", c.String()),
		attribute.String("ayurchain.kind", string(c.Kind)),
	)

	if c.Kind == code.KindBatch {
		b, err := r.batchRecord(ctx, c.String())
		if err != nil {
			return nil, err
		}
		return &Record{Code: c.String(), Kind: c.Kind, Batch: b}, nil
	}
	return r.resolveProduct(ctx, c)
}

func (r *Resolver) resolveProduct(ctx context.Context, c *code.Code) (*Record, error) {
	id := c.String()
	product, err := r.product(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Code:    id,
		Kind:    c.Kind,
		Product: product,
		Batches: make([]*BatchRecord, len(product.Composition)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	g.Go(func() error {
		chain, err := r.verifiedChain(gctx, id, product.MetadataDigest())
		if err != nil {
			return err
		}
		rec.Chain = chain
		return nil
	})
	for i, in := range product.Composition {
		g.Go(func() error {
			b, err := r.batchRecord(gctx, in.BatchID)
			if err != nil {
				return fmt.Errorf("ingredient %s: %w", in.BatchID, err)
			}
			b.Percentage = in.Percentage
			rec.Batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Resolver) batchRecord(ctx context.Context, id string) (*BatchRecord, error) {
	batch, err := r.batch(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := r.verifiedChain(ctx, id, batch.MetadataDigest())
	if err != nil {
		return nil, err
	}
	return &BatchRecord{Batch: batch, Chain: chain}, nil
}

// verifiedChain reads a chain and verifies exactly the events it returns,
// including the metadata digest sealed into its first event.
func (r *Resolver) verifiedChain(ctx context.Context, key, metadataDigest string) ([]*ledger.Event, error) {
	ctx, span := tracer.Start(ctx, "provenance.verifyChain")
	defer span.End()
	span.SetAttributes(attribute.String("ayurchain.chain_key", key))

	chain, err := r.chains.Chain(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read chain %s: %w", key, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: chain %s", ErrNotFound, key)
	}
	if err := CheckSealed(key, metadataDigest, chain); err != nil {
		r.logger.Warn("chain failed verification", zap.String("chain_key", key))
		span.SetStatus(codes.Error, "integrity violation")
		return nil, err
	}
	span.SetAttributes(attribute.Int("ayurchain.chain_length", len(chain)))
	return chain, nil
}

// CheckSealed verifies chain and confirms that its first event seals
// metadataDigest. It returns an *IntegrityError naming key otherwise.
func CheckSealed(key, metadataDigest string, chain []*ledger.Event) error {
	if len(chain) == 0 || !ledger.VerifyChain(key, chain) {
		return &IntegrityError{ChainKey: key}
	}
	if sealed, ok := model.SealedDigest(chain[0].Detail); !ok || sealed != metadataDigest {
		return &IntegrityError{ChainKey: key}
	}
	return nil
}

func (r *Resolver) batch(ctx context.Context, id string) (*model.Batch, error) {
	if v, ok := r.cache.get(id); ok {
		return v.(*model.Batch), nil
	}
	b, err := r.meta.GetBatch(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	r.cache.set(id, b)
	return b, nil
}

func (r *Resolver) product(ctx context.Context, id string) (*model.Product, error) {
	if v, ok := r.cache.get(id); ok {
		return v.(*model.Product), nil
	}
	p, err := r.meta.GetProduct(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	r.cache.set(id, p)
	return p, nil
}

// StartEviction drops expired cache entries every interval until ctx ends.
func (r *Resolver) StartEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.cache.evict(); n > 0 {
				r.logger.Debug("provenance cache evicted", zap.Int("entries", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
