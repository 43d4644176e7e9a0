// Package client is the AyurChain Go SDK.
//
// # Recording custody
//
// Writers authenticate with an actor credential issued by the identity
// provider. Against a registry running in open mode, name the actor instead:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("AYUR_TOKEN")),
//	)
//	res, err := c.RegisterBatch(ctx, client.RegisterBatchRequest{
//	    Herb:         "Turmeric",
//	    QuantityKg:   500,
//	    HarvestDate:  "2024-01-15",
//	    FarmerName:   "Ravi Sharma",
//	    Location:     "Kerala",
//	    QualityGrade: "A+",
//	})
//	_, err = c.AdvanceStage(ctx, res.Batch.BatchID, client.AdvanceStageRequest{
//	    Stage:    "Transport",
//	    Location: "Kochi",
//	})
//
// # Verifying a code
//
// Verify accepts a bare code or a scanned URL whose last segment is the code.
// A tampered record yields a report with Status "invalid", not an error:
//
//	report, err := c.Verify(ctx, "AYR-PROD-2024-001234")
//	if err == nil && report.Verified() {
//	    fmt.Println("authentic")
//	}
package client
