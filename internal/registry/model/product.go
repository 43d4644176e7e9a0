package model

import (
	"strings"
	"time"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/pkg/code"
)

// Ingredient is one batch used in a product.
type Ingredient struct {
	BatchID    string  `json:"batch_id"`
	Percentage float64 `json:"percentage"`
}

// QualityTest is a laboratory result attached to a product.
type QualityTest struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Date   string `json:"date"`
}

// Product is the immutable record of a manufactured good. Its custody chain
// starts with a Manufacturing event and is stored under ProductID.
type Product struct {
	ProductID       string        `json:"product_id"       db:"product_id"`
	Name            string        `json:"name"             db:"name"`
	ManufacturerID  string        `json:"manufacturer_id"  db:"manufacturer_id"`
	Manufacturer    string        `json:"manufacturer"     db:"manufacturer"`
	ManufactureDate string        `json:"manufacture_date" db:"manufacture_date"`
	ExpiryDate      string        `json:"expiry_date"      db:"expiry_date"`
	Composition     []Ingredient  `json:"composition"      db:"composition"`
	Certifications  []string      `json:"certifications"   db:"certifications"`
	QualityTests    []QualityTest `json:"quality_tests"    db:"quality_tests"`
	CreatedAt       time.Time     `json:"created_at"       db:"created_at"`
}

// BatchIDs returns the batch identifiers of the composition in order.
func (p *Product) BatchIDs() []string {
	ids := make([]string, len(p.Composition))
	for i, in := range p.Composition {
		ids[i] = in.BatchID
	}
	return ids
}

// CreateProductRequest is the payload for creating a product from batches.
type CreateProductRequest struct {
	Name            string        `json:"name"             binding:"required"`
	Manufacturer    string        `json:"manufacturer"`
	ManufactureDate string        `json:"manufacture_date" binding:"required"`
	ExpiryDate      string        `json:"expiry_date"      binding:"required"`
	Composition     []Ingredient  `json:"composition"`
	Certifications  []string      `json:"certifications"`
	QualityTests    []QualityTest `json:"quality_tests"`
	Location        string        `json:"location"`
	GPS             string        `json:"gps"`
	Detail          string        `json:"detail"`
}

// Validate checks everything that does not require the ledger: names,
// dates and composition percentages.
func (r *CreateProductRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name", "is required")
	}
	if strings.TrimSpace(r.Manufacturer) == "" {
		return invalid("manufacturer", "is required")
	}
	made, err := time.Parse(DateLayout, strings.TrimSpace(r.ManufactureDate))
	if err != nil {
		return invalid("manufacture_date", "must be a date in YYYY-MM-DD form")
	}
	expiry, err := time.Parse(DateLayout, strings.TrimSpace(r.ExpiryDate))
	if err != nil {
		return invalid("expiry_date", "must be a date in YYYY-MM-DD form")
	}
	if !expiry.After(made) {
		return invalid("expiry_date", "must be after manufacture_date")
	}
	r.ManufactureDate = made.Format(DateLayout)
	r.ExpiryDate = expiry.Format(DateLayout)

	if len(r.Composition) == 0 {
		return invalid("composition", "at least one batch is required")
	}
	seen := make(map[string]bool, len(r.Composition))
	var total float64
	for i, in := range r.Composition {
		id := strings.ToUpper(strings.TrimSpace(in.BatchID))
		if id == "" {
			return invalid("composition", "entry %d has no batch_id", i)
		}
		c, err := code.Parse(id)
		if err != nil || c.Kind != code.KindBatch {
			return invalid("composition", "%s is not a batch code", id)
		}
		id = c.String()
		if seen[id] {
			return invalid("composition", "batch %s listed twice", id)
		}
		seen[id] = true
		if in.Percentage <= 0 || in.Percentage > 100 {
			return invalid("composition", "percentage of %s must be in (0, 100]", id)
		}
		total += in.Percentage
		r.Composition[i].BatchID = id
	}
	if total > 100+1e-9 {
		return invalid("composition", "percentages sum to %.2f, more than 100", total)
	}
	for _, q := range r.QualityTests {
		if strings.TrimSpace(q.Name) == "" || strings.TrimSpace(q.Result) == "" {
			return invalid("quality_tests", "each test needs a name and a result")
		}
	}
	return nil
}

// ManufacturingDetail is the detail string hashed into a product's first event.
func (r *CreateProductRequest) ManufacturingDetail(productID string) string {
	if r.Detail != "" {
		return r.Detail
	}
	ids := make([]string, len(r.Composition))
	for i, in := range r.Composition {
		ids[i] = in.BatchID
	}
	return "Manufactured " + r.Name + " (" + productID + ") from " + strings.Join(ids, ", ")
}

// ProductResult is returned by CreateProduct.
type ProductResult struct {
	Product       *Product      `json:"product"`
	Manufacturing *ledger.Event `json:"manufacturing"`
}

// ProductView is a product together with its custody chain.
type ProductView struct {
	Product *Product        `json:"product"`
	Chain   []*ledger.Event `json:"chain"`
}
