package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayurchain/ayurchain/internal/registry/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id      TEXT PRIMARY KEY,
	herb          TEXT NOT NULL,
	quantity_kg   REAL NOT NULL CHECK (quantity_kg > 0),
	harvest_date  TEXT NOT NULL,
	farmer_name   TEXT NOT NULL,
	farmer_id     TEXT NOT NULL,
	location      TEXT NOT NULL,
	gps           TEXT NOT NULL DEFAULT '',
	quality_grade TEXT NOT NULL,
	notes         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
	product_id       TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	manufacturer_id  TEXT NOT NULL,
	manufacturer     TEXT NOT NULL,
	manufacture_date TEXT NOT NULL,
	expiry_date      TEXT NOT NULL,
	composition      TEXT NOT NULL,
	certifications   TEXT NOT NULL DEFAULT '[]',
	quality_tests    TEXT NOT NULL DEFAULT '[]',
	created_at       TEXT NOT NULL
);
`

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteRepository stores batch and product metadata in the embedded
// SQLite database shared with ledger.SQLiteStore.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates the metadata tables if needed.
func NewSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create metadata tables: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// CreateBatch inserts b.
func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.Herb, b.QuantityKg, b.HarvestDate, b.FarmerName, b.FarmerID,
		b.Location, b.GPS, b.QualityGrade, b.Notes, b.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	return mapSQLiteError(err)
}

// GetBatch retrieves a batch by id.
func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanSQLiteBatch(r.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBatches returns batches newest first.
func (r *SQLiteRepository) ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		ORDER BY created_at DESC, batch_id DESC
		LIMIT ? OFFSET ?`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := []*model.Batch{}
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateProduct inserts p.
func (r *SQLiteRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	enc, err := encodeProduct(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProductID, p.Name, p.ManufacturerID, p.Manufacturer, p.ManufactureDate,
		p.ExpiryDate, string(enc.composition), string(enc.certifications),
		string(enc.qualityTests), p.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	return mapSQLiteError(err)
}

// GetProduct retrieves a product by id.
func (r *SQLiteRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	p, err := scanSQLiteProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE product_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListProducts returns products newest first.
func (r *SQLiteRepository) ListProducts(ctx context.Context, limit, offset int) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+` FROM products
		ORDER BY created_at DESC, product_id DESC
		LIMIT ? OFFSET ?`, clampLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	out := []*model.Product{}
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns record totals and distinct farmer and manufacturer counts.
func (r *SQLiteRepository) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, `
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

// mapSQLiteError maps primary key violations onto ErrAlreadyExists. The
// driver reports them as "constraint failed: UNIQUE constraint failed".
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row rowScanner) (*model.Batch, error) {
	var b model.Batch
	var created string
	err := row.Scan(
		&b.BatchID, &b.Herb, &b.QuantityKg, &b.HarvestDate, &b.FarmerName, &b.FarmerID,
		&b.Location, &b.GPS, &b.QualityGrade, &b.Notes, &created,
	)
	if err != nil {
		return nil, err
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", b.BatchID, err)
	}
	return &b, nil
}

func scanSQLiteProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var created, composition, certs, tests string
	err := row.Scan(
		&p.ProductID, &p.Name, &p.ManufacturerID, &p.Manufacturer, &p.ManufactureDate,
		&p.ExpiryDate, &composition, &certs, &tests, &created,
	)
	if err != nil {
		return nil, err
	}
	enc := productJSON{
		composition:    []byte(composition),
		certifications: []byte(certs),
		qualityTests:   []byte(tests),
	}
	if err := enc.decode(&p); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", p.ProductID, err)
	}
	return &p, nil
}

// DeleteBatch removes a batch whose chain was never committed.
func (r *SQLiteRepository) DeleteBatch(ctx context.Context, id string) error {
	return r.deleteRow(ctx, `DELETE FROM batches WHERE batch_id = ?`, id)
}

// DeleteProduct removes a product whose chain was never committed.
func (r *SQLiteRepository) DeleteProduct(ctx context.Context, id string) error {
	return r.deleteRow(ctx, `DELETE FROM products WHERE product_id = ?`, id)
}

func (r *SQLiteRepository) deleteRow(ctx context.Context, query, id string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
