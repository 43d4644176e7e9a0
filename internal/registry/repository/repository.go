// Package repository stores the immutable batch and product metadata that
// accompanies each custody chain. Records are inserted once and never updated.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ayurchain/ayurchain/internal/registry/model"
)

var (
	// ErrNotFound is returned when no batch or product has the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a record with the same id is already stored.
	ErrAlreadyExists = errors.New("record already exists")
)

// Counts summarises the stored metadata.
type Counts struct {
	Batches       int
	Products      int
	Farmers       int
	Manufacturers int
}

const batchColumns = `batch_id, herb, quantity_kg, harvest_date, farmer_name, farmer_id,
	location, gps, quality_grade, notes, created_at`

const productColumns = `product_id, name, manufacturer_id, manufacturer, manufacture_date,
	expiry_date, composition, certifications, quality_tests, created_at`

// productJSON holds the JSON-encoded array columns of a product row.
type productJSON struct {
	composition, certifications, qualityTests []byte
}

func encodeProduct(p *model.Product) (*productJSON, error) {
	var out productJSON
	var err error
	if out.composition, err = json.Marshal(p.Composition); err != nil {
		return nil, fmt.Errorf("marshal composition: %w", err)
	}
	certs := p.Certifications
	if certs == nil {
		certs = []string{}
	}
	if out.certifications, err = json.Marshal(certs); err != nil {
		return nil, fmt.Errorf("marshal certifications: %w", err)
	}
	tests := p.QualityTests
	if tests == nil {
		tests = []model.QualityTest{}
	}
	if out.qualityTests, err = json.Marshal(tests); err != nil {
		return nil, fmt.Errorf("marshal quality tests: %w", err)
	}
	return &out, nil
}

func (j *productJSON) decode(p *model.Product) error {
	if err := json.Unmarshal(j.composition, &p.Composition); err != nil {
		return fmt.Errorf("unmarshal composition: %w", err)
	}
	if len(j.certifications) > 0 {
		if err := json.Unmarshal(j.certifications, &p.Certifications); err != nil {
			return fmt.Errorf("unmarshal certifications: %w", err)
		}
	}
	if len(j.qualityTests) > 0 {
		if err := json.Unmarshal(j.qualityTests, &p.QualityTests); err != nil {
			return fmt.Errorf("unmarshal quality tests: %w", err)
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
