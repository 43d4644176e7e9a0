// cmd/seed populates a running registry with demonstration custody records:
// three harvests that travel to a processor and two products made from them,
// one of which reaches a retailer.
//
// The ledger is append-only, so every run creates new batches and products.
// When the registry enforces actor credentials, set IDENTITY_ACTOR_SECRET to
// the same secret so seed can mint a credential per actor.
//
// Usage:
//
//	go run ./cmd/seed
//	AYURCHAIN_URL=http://localhost:8080 go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ayurchain/ayurchain/internal/identity"
	"github.com/ayurchain/ayurchain/pkg/client"
)

const defaultURL = "http://localhost:8080"

// actor is one participant of the demo supply chain.
type actor struct {
	id, role, name string
}

var (
	farmerRavi  = actor{"FRM-KER-001", identity.RoleFarmer, "Ravi Sharma"}
	farmerMeera = actor{"FRM-RAJ-014", identity.RoleFarmer, "Meera Patel"}
	transporter = actor{"TRN-SOU-003", identity.RoleTransporter, "Southern Agro Logistics"}
	processor   = actor{"PRC-KOC-002", identity.RoleProcessor, "Kochi Herbal Processing"}
	maker       = actor{"MFG-PUN-001", identity.RoleManufacturer, "Himalaya Wellness Labs"}
	retailer    = actor{"RTL-MUM-010", identity.RoleRetailer, "Ayur Mart Mumbai"}
)

type batchSeed struct {
	by  actor
	req client.RegisterBatchRequest
}

var batchSeeds = []batchSeed{
	{farmerRavi, client.RegisterBatchRequest{
		Herb: "Turmeric", QuantityKg: 500, FarmerName: "Ravi Sharma",
		Location: "Kerala", GPS: "10.8505° N, 76.2711° E", QualityGrade: "A+",
		Notes: "Organic, sun dried",
	}},
	{farmerRavi, client.RegisterBatchRequest{
		Herb: "Ginger", QuantityKg: 220, FarmerName: "Ravi Sharma",
		Location: "Kerala", GPS: "10.5276° N, 76.2144° E", QualityGrade: "A",
	}},
	{farmerMeera, client.RegisterBatchRequest{
		Herb: "Ashwagandha", QuantityKg: 350, FarmerName: "Meera Patel",
		Location: "Rajasthan", GPS: "27.0238° N, 74.2179° E", QualityGrade: "A",
	}},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base := os.Getenv("AYURCHAIN_URL")
	if base == "" {
		base = defaultURL
	}

	var tokens *identity.ActorTokens
	if secret := os.Getenv("IDENTITY_ACTOR_SECRET"); secret != "" {
		issuer := os.Getenv("IDENTITY_ISSUER")
		if issuer == "" {
			issuer = "https://idp.ayurchain.local"
		}
		tokens = identity.NewActorTokens([]byte(secret), issuer, time.Hour)
	}

	clients := map[actor]*client.Client{}
	as := func(a actor) (*client.Client, error) {
		if c, ok := clients[a]; ok {
			return c, nil
		}
		opt := client.WithActor(a.id, a.role)
		if tokens != nil {
			tok, err := tokens.Issue(a.id, a.role, a.name)
			if err != nil {
				return nil, fmt.Errorf("issue credential for %s: %w", a.id, err)
			}
			opt = client.WithBearerToken(tok)
		}
		c, err := client.New(base, opt)
		if err != nil {
			return nil, err
		}
		clients[a] = c
		return c, nil
	}

	ctx := context.Background()
	harvest := time.Now().AddDate(0, 0, -21).Format("2006-01-02")

	// ── Batches: Origin → Transport → Processing ─────────────────────────────
	var batchIDs []string
	for _, s := range batchSeeds {
		c, err := as(s.by)
		if err != nil {
			return err
		}
		req := s.req
		req.HarvestDate = harvest
		res, err := c.RegisterBatch(ctx, req)
		if err != nil {
			return fmt.Errorf("register %s batch: %w", req.Herb, err)
		}
		id := res.Batch.BatchID
		batchIDs = append(batchIDs, id)
		fmt.Printf("  ✓ batch   %-22s %s, %.0f kg\n", id, res.Batch.Herb, res.Batch.QuantityKg)

		steps := []struct {
			by  actor
			req client.AdvanceStageRequest
		}{
			{transporter, client.AdvanceStageRequest{Stage: "Transport", Location: "NH 66 checkpoint", Detail: "Refrigerated truck KL-07-AB-1234"}},
			{transporter, client.AdvanceStageRequest{Stage: "Transport", Location: "Kochi warehouse", Detail: "Delivered"}},
			{processor, client.AdvanceStageRequest{Stage: "Processing", Location: "Kochi", Detail: "Cleaned, dried and milled"}},
		}
		for _, st := range steps {
			c, err := as(st.by)
			if err != nil {
				return err
			}
			if _, err := c.AdvanceStage(ctx, id, st.req); err != nil {
				return fmt.Errorf("advance %s to %s: %w", id, st.req.Stage, err)
			}
		}
	}

	// ── Products: Manufacturing (→ Retail) ───────────────────────────────────
	mc, err := as(maker)
	if err != nil {
		return err
	}
	made := time.Now().AddDate(0, 0, -7)
	products := []client.CreateProductRequest{
		{
			Name:            "Premium Turmeric Capsules",
			Manufacturer:    maker.name,
			ManufactureDate: made.Format("2006-01-02"),
			ExpiryDate:      made.AddDate(2, 0, 0).Format("2006-01-02"),
			Composition: []client.Ingredient{
				{BatchID: batchIDs[0], Percentage: 85},
				{BatchID: batchIDs[1], Percentage: 15},
			},
			Certifications: []string{"AYUSH Certified", "Organic India", "GMP"},
			QualityTests: []client.QualityTest{
				{Name: "Curcumin content", Result: "3.2%", Date: made.Format("2006-01-02")},
				{Name: "Heavy metals", Result: "Within limits", Date: made.Format("2006-01-02")},
			},
			Location: "Pune",
			Detail:   "Encapsulated, 60 capsules per bottle",
		},
		{
			Name:            "Ashwagandha Root Powder",
			Manufacturer:    maker.name,
			ManufactureDate: made.Format("2006-01-02"),
			ExpiryDate:      made.AddDate(1, 6, 0).Format("2006-01-02"),
			Composition:     []client.Ingredient{{BatchID: batchIDs[2], Percentage: 100}},
			Certifications:  []string{"AYUSH Certified"},
			Location:        "Pune",
		},
	}

	rc, err := as(retailer)
	if err != nil {
		return err
	}
	for i, req := range products {
		res, err := mc.CreateProduct(ctx, req)
		if err != nil {
			return fmt.Errorf("create %q: %w", req.Name, err)
		}
		id := res.Product.ProductID
		fmt.Printf("  ✓ product %-22s %s\n", id, req.Name)

		if i > 0 {
			continue
		}
		if _, err := rc.AdvanceStage(ctx, id, client.AdvanceStageRequest{
			Stage: "Retail", Location: "Mumbai", Detail: "Shelved at Ayur Mart Bandra",
		}); err != nil {
			return fmt.Errorf("retail %s: %w", id, err)
		}

		report, err := rc.Verify(ctx, id)
		if err != nil {
			return fmt.Errorf("verify %s: %w", id, err)
		}
		fmt.Printf("\nverify %s → %s\n", id, report.Status)
	}

	fmt.Println("\nseed complete")
	return nil
}
