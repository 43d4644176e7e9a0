package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayurchain/ayurchain/internal/registry/model"
)

// PostgresRepository stores batch and product metadata in PostgreSQL.
// The tables are created by cmd/migrate.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateBatch inserts b.
func (r *PostgresRepository) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.BatchID, b.Herb, b.QuantityKg, b.HarvestDate, b.FarmerName, b.FarmerID,
		b.Location, b.GPS, b.QualityGrade, b.Notes, b.CreatedAt,
	)
	return mapInsertError(err)
}

// GetBatch retrieves a batch by id.
func (r *PostgresRepository) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	row := r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBatches returns batches newest first.
func (r *PostgresRepository) ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		ORDER BY created_at DESC, batch_id DESC
		LIMIT $1 OFFSET $2`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := []*model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateProduct inserts p.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	enc, err := encodeProduct(p)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10)`,
		p.ProductID, p.Name, p.ManufacturerID, p.Manufacturer, p.ManufactureDate,
		p.ExpiryDate, string(enc.composition), string(enc.certifications),
		string(enc.qualityTests), p.CreatedAt,
	)
	return mapInsertError(err)
}

// GetProduct retrieves a product by id.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProducts returns products newest first.
func (r *PostgresRepository) ListProducts(ctx context.Context, limit, offset int) ([]*model.Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+productColumns+` FROM products
		ORDER BY created_at DESC, product_id DESC
		LIMIT $1 OFFSET $2`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	out := []*model.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns record totals and distinct farmer and manufacturer counts.
func (r *PostgresRepository) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM batches),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(DISTINCT farmer_id) FROM batches),
			(SELECT COUNT(DISTINCT manufacturer_id) FROM products)`,
	).Scan(&c.Batches, &c.Products, &c.Farmers, &c.Manufacturers)
	if err != nil {
		return nil, fmt.Errorf("count metadata: %w", err)
	}
	return &c, nil
}

func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(
		&b.BatchID, &b.Herb, &b.QuantityKg, &b.HarvestDate, &b.FarmerName, &b.FarmerID,
		&b.Location, &b.GPS, &b.QualityGrade, &b.Notes, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var enc productJSON
	err := row.Scan(
		&p.ProductID, &p.Name, &p.ManufacturerID, &p.Manufacturer, &p.ManufactureDate,
		&p.ExpiryDate, &enc.composition, &enc.certifications, &enc.qualityTests, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := enc.decode(&p); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// DeleteBatch removes a batch whose chain was never committed.
func (r *PostgresRepository) DeleteBatch(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM batches WHERE batch_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProduct removes a product whose chain was never committed.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM products WHERE product_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
