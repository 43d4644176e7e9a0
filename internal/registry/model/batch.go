package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// Batch is the immutable record of a harvested lot. Its custody chain is
// stored in the ledger under BatchID.
type Batch struct {
	BatchID      string    `json:"batch_id"        db:"batch_id"`
	Herb         string    `json:"herb"            db:"herb"`
	QuantityKg   float64   `json:"quantity_kg"     db:"quantity_kg"`
	HarvestDate  string    `json:"harvest_date"    db:"harvest_date"`
	FarmerName   string    `json:"farmer_name"     db:"farmer_name"`
	FarmerID     string    `json:"farmer_id"       db:"farmer_id"`
	Location     string    `json:"location"        db:"location"`
	GPS          string    `json:"gps,omitempty"   db:"gps"`
	QualityGrade string    `json:"quality_grade"   db:"quality_grade"`
	Notes        string    `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time `json:"created_at"      db:"created_at"`
}

// RegisterBatchRequest is the payload for registering a new harvest.
type RegisterBatchRequest struct {
	Herb         string  `json:"herb"          binding:"required"`
	QuantityKg   float64 `json:"quantity_kg"`
	HarvestDate  string  `json:"harvest_date"  binding:"required"`
	FarmerName   string  `json:"farmer_name"`
	Location     string  `json:"location"`
	GPS          string  `json:"gps"`
	QualityGrade string  `json:"quality_grade" binding:"required"`
	Notes        string  `json:"notes"`
}

// Validate checks the request against the herb catalogue and grading rules
// and normalises the herb name in place. now bounds the harvest date.
func (r *RegisterBatchRequest) Validate(now time.Time) error {
	herb, err := NormalizeHerb(r.Herb)
	if err != nil {
		return invalid("herb", "%v", err)
	}
	r.Herb = herb

	if r.QuantityKg <= 0 {
		return invalid("quantity_kg", "must be greater than zero")
	}
	harvest, err := time.Parse(DateLayout, strings.TrimSpace(r.HarvestDate))
	if err != nil {
		return invalid("harvest_date", "must be a date in YYYY-MM-DD form")
	}
	if harvest.After(now.UTC()) {
		return invalid("harvest_date", "must not be in the future")
	}
	r.HarvestDate = harvest.Format(DateLayout)

	if !ValidGrade(r.QualityGrade) {
		return invalid("quality_grade", "must be one of %s", strings.Join(QualityGrades, ", "))
	}
	if strings.TrimSpace(r.FarmerName) == "" {
		return invalid("farmer_name", "is required")
	}
	if strings.TrimSpace(r.Location) == "" {
		return invalid("location", "is required")
	}
	return nil
}

// OriginDetail is the detail string hashed into a batch's Origin event.
func (r *RegisterBatchRequest) OriginDetail() string {
	return "Harvested " + strconv.FormatFloat(r.QuantityKg, 'f', -1, 64) + "kg " +
		r.Herb + " (grade " + r.QualityGrade + ") on " + r.HarvestDate
}

// AdvanceStageRequest is the payload for appending a custody event.
type AdvanceStageRequest struct {
	Stage    ledger.Stage  `json:"stage"    binding:"required"`
	Location string        `json:"location"`
	GPS      string        `json:"gps"`
	Detail   string        `json:"detail"`
	Status   ledger.Status `json:"status"`
	// Timestamp defaults to the time of the request.
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// ExpectedParent, when set, is the digest the caller believes is the
	// current head. A mismatch is reported instead of retried.
	ExpectedParent string `json:"expected_parent,omitempty"`
}

// Validate checks the request fields that do not depend on the chain.
func (r *AdvanceStageRequest) Validate() error {
	stage, err := ledger.ParseStage(string(r.Stage))
	if err != nil {
		return invalid("stage", "%v", err)
	}
	r.Stage = stage
	if r.Status == "" {
		r.Status = ledger.StatusConfirmed
	}
	if !r.Status.Valid() {
		return invalid("status", "must be Pending, Confirmed or Failed")
	}
	if strings.TrimSpace(r.Location) == "" {
		return invalid("location", "is required")
	}
	return nil
}

// Actor identifies who is recording an event.
type Actor struct {
	ID   string `json:"actor_id"`
	Role string `json:"actor_role"`
	Name string `json:"actor_name,omitempty"`
}

// BatchResult is returned by RegisterBatch.
type BatchResult struct {
	Batch  *Batch        `json:"batch"`
	Origin *ledger.Event `json:"origin"`
}

// BatchView is a batch together with its custody chain.
type BatchView struct {
	Batch *Batch          `json:"batch"`
	Chain []*ledger.Event `json:"chain"`
}

// Stats summarises the registry for dashboards.
type Stats struct {
	TotalBatches  int                  `json:"total_batches"`
	TotalProducts int                  `json:"total_products"`
	ActiveFarmers int                  `json:"active_farmers"`
	Manufacturers int                  `json:"manufacturers"`
	Chains        int                  `json:"chains"`
	Events        int                  `json:"events"`
	EventsByStage map[ledger.Stage]int `json:"events_by_stage"`
}
