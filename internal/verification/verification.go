// Package verification turns a resolved provenance record into a consumer
// facing verdict.
package verification

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/provenance"
)

// Status is the outcome of a verification.
type Status string

const (
	// StatusVerified means every chain verified and every required stage is present.
	StatusVerified Status = "verified"
	// StatusIncomplete means the chains verified but required stages are missing.
	StatusIncomplete Status = "incomplete"
	// StatusInvalid means a chain failed its integrity check.
	StatusInvalid Status = "invalid"
)

// ChainReport summarises one chain of a record.
type ChainReport struct {
	ChainKey string         `json:"chain_key"`
	Kind     string         `json:"kind"`
	Events   int            `json:"events"`
	Stages   []ledger.Stage `json:"stages"`
	Missing  []ledger.Stage `json:"missing,omitempty"`
	Head     *ledger.Event  `json:"head"`
}

// Report is the result of Verify. An invalid report never carries the
// record or chain summaries, only the offending chain key.
type Report struct {
	Code         string             `json:"code"`
	Status       Status             `json:"status"`
	Message      string             `json:"message"`
	InvalidChain string             `json:"invalid_chain,omitempty"`
	Chains       []ChainReport      `json:"chains,omitempty"`
	Record       *provenance.Record `json:"record,omitempty"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// Resolver is satisfied by *provenance.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*provenance.Record, error)
}

// MetricsRecordFunc is an optional callback invoked once per verdict.
type MetricsRecordFunc func(status Status)

// Service verifies codes. It never writes to the ledger.
type Service struct {
	resolver  Resolver
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Service.
func New(resolver Resolver, logger *zap.Logger) *Service {
	return &Service{resolver: resolver, logger: logger, now: time.Now}
}

// SetMetricsRecord configures the metrics recording callback.
func (s *Service) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

var tracer = otel.Tracer("github.com/ayurchain/ayurchain/internal/verification")

// Verify resolves code and classifies it. Not-found and read errors are
// returned as errors; an integrity violation is returned as an Invalid report.
func (s *Service) Verify(ctx context.Context, code string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "verification.Verify")
	defer span.End()

	rec, err := s.resolver.Resolve(ctx, code)
	var ie *provenance.IntegrityError
	switch {
	case errors.As(err, &ie):
		s.logger.Warn("verification found tampered chain",
			zap.String("code", code),
			zap.String("chain_key", ie.ChainKey),
		)
		return s.finish(span, &Report{
			Code:         code,
			Status:       StatusInvalid,
			Message:      ie.Error(),
			InvalidChain: ie.ChainKey,
			CheckedAt:    s.now().UTC(),
		}), nil
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	r := &Report{Code: rec.Code, Record: rec, CheckedAt: s.now().UTC()}
	if rec.Product != nil {
		r.Chains = append(r.Chains, summarise(rec.Product.ProductID, "product", rec.Chain, ledger.StageManufacturing))
	}
	if rec.Batch != nil {
		r.Chains = append(r.Chains, summarise(rec.Batch.Batch.BatchID, "batch", rec.Batch.Chain, ledger.StageOrigin))
	}
	for _, b := range rec.Batches {
		r.Chains = append(r.Chains, summarise(b.Batch.BatchID, "batch", b.Chain, ledger.StageOrigin))
	}

	r.Status = StatusVerified
	r.Message = "authentic: every custody record verified"
	for _, c := range r.Chains {
		if len(c.Missing) > 0 {
			r.Status = StatusIncomplete
			r.Message = "custody records verified but required stages are missing"
			break
		}
	}
	return s.finish(span, r), nil
}

type spanSetter interface {
	SetAttributes(kv ...attribute.KeyValue)
}

func (s *Service) finish(span spanSetter, r *Report) *Report {
	span.SetAttributes(attribute.String("ayurchain.verification.status", string(r.Status)))
	if s.onMetrics != nil {
		s.onMetrics(r.Status)
	}
	return r
}

// summarise lists the stages of a chain and which required stages have no
// non-Failed event.
func summarise(key, kind string, chain []*ledger.Event, required ...ledger.Stage) ChainReport {
	c := ChainReport{ChainKey: key, Kind: kind, Events: len(chain)}
	present := make(map[ledger.Stage]bool)
	for _, e := range chain {
		c.Stages = append(c.Stages, e.Stage)
		if e.Status != ledger.StatusFailed {
			present[e.Stage] = true
		}
	}
	if n := len(chain); n > 0 {
		c.Head = chain[n-1]
	}
	for _, st := range required {
		if !present[st] {
			c.Missing = append(c.Missing, st)
		}
	}
	return c
}
