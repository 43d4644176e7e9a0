package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayurchain/ayurchain/internal/registry/model"
)

// MemoryRepository is an in-memory metadata store for tests and
// single-process deployments.
type MemoryRepository struct {
	mu       sync.RWMutex
	batches  map[string]*model.Batch
	products map[string]*model.Product
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		batches:  make(map[string]*model.Batch),
		products: make(map[string]*model.Product),
	}
}

// CreateBatch stores b. CreatedAt is set when zero.
func (r *MemoryRepository) CreateBatch(_ context.Context, b *model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[b.BatchID]; ok {
		return ErrAlreadyExists
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	cp := *b
	r.batches[b.BatchID] = &cp
	return nil
}

// GetBatch returns the batch with the given id.
func (r *MemoryRepository) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// ListBatches returns batches newest first.
func (r *MemoryRepository) ListBatches(_ context.Context, limit, offset int) ([]*model.Batch, error) {
	r.mu.RLock()
	out := make([]*model.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		cp := *b
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].BatchID > out[j].BatchID
	})
	return window(out, clampLimit(limit), offset), nil
}

// CreateProduct stores p. CreatedAt is set when zero.
func (r *MemoryRepository) CreateProduct(_ context.Context, p *model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[p.ProductID]; ok {
		return ErrAlreadyExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.products[p.ProductID] = copyProduct(p)
	return nil
}

// GetProduct returns the product with the given id.
func (r *MemoryRepository) GetProduct(_ context.Context, id string) (*model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProduct(p), nil
}

// ListProducts returns products newest first.
func (r *MemoryRepository) ListProducts(_ context.Context, limit, offset int) ([]*model.Product, error) {
	r.mu.RLock()
	out := make([]*model.Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, copyProduct(p))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ProductID > out[j].ProductID
	})
	return window(out, clampLimit(limit), offset), nil
}

// Counts returns record totals and distinct farmer and manufacturer counts.
func (r *MemoryRepository) Counts(_ context.Context) (*Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	farmers := make(map[string]struct{})
	for _, b := range r.batches {
		farmers[b.FarmerID] = struct{}{}
	}
	makers := make(map[string]struct{})
	for _, p := range r.products {
		makers[p.ManufacturerID] = struct{}{}
	}
	return &Counts{
		Batches:       len(r.batches),
		Products:      len(r.products),
		Farmers:       len(farmers),
		Manufacturers: len(makers),
	}, nil
}

func copyProduct(p *model.Product) *model.Product {
	cp := *p
	cp.Composition = append([]model.Ingredient(nil), p.Composition...)
	cp.Certifications = append([]string(nil), p.Certifications...)
	cp.QualityTests = append([]model.QualityTest(nil), p.QualityTests...)
	return &cp
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

// DeleteBatch removes the batch with the given id.
func (r *MemoryRepository) DeleteBatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[id]; !ok {
		return ErrNotFound
	}
	delete(r.batches, id)
	return nil
}

// DeleteProduct removes the product with the given id.
func (r *MemoryRepository) DeleteProduct(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[id]; !ok {
		return ErrNotFound
	}
	delete(r.products, id)
	return nil
}
