// Package audit periodically re-verifies every custody chain and anchors a
// manifest of chain heads once the whole ledger verifies.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/anchor"
	"github.com/ayurchain/ayurchain/internal/ledger"
)

// Config holds auditor configuration.
type Config struct {
	Interval    time.Duration
	Concurrency int
	PageSize    int
}

// ChainSource lists and reads chains. Every ledger.Store satisfies it.
type ChainSource interface {
	Keys(ctx context.Context, limit, offset int) ([]string, error)
	Chain(ctx context.Context, chainKey string) ([]*ledger.Event, error)
}

// Failure describes one chain that did not pass the audit.
type Failure struct {
	ChainKey string `json:"chain_key"`
	Reason   string `json:"reason"`
}

// Failure reasons.
const (
	ReasonBroken    = "chain does not verify"
	ReasonDiverged  = "chain diverges from anchored manifest"
	ReasonVanished  = "anchored chain is missing"
	ReasonReadError = "chain could not be read"
)

var (
	// ErrAnchorUnavailable is reported when the last anchored manifest
	// cannot be read.
	ErrAnchorUnavailable = errors.New("audit: anchored manifest unavailable")
	// ErrAnchorTampered is reported when the last anchored manifest does
	// not match its own root.
	ErrAnchorTampered = errors.New("audit: anchored manifest root mismatch")
)

// Report is the outcome of one CheckAll pass.
type Report struct {
	Checked  int              `json:"checked"`
	Failures []Failure        `json:"failures"`
	Manifest *anchor.Manifest `json:"manifest,omitempty"` // nil unless anchored
	// AnchorError is set when the previous manifest could not be trusted.
	// Nothing is anchored in that pass.
	AnchorError string `json:"anchor_error,omitempty"`
}

// FailureDispatchFunc is an optional callback for each failing chain.
type FailureDispatchFunc func(ctx context.Context, f Failure)

// MetricsRecordFunc is an optional callback for recording chain results.
type MetricsRecordFunc func(ok bool)

// Auditor runs periodic integrity audits.
type Auditor struct {
	source    ChainSource
	sink      anchor.Sink // nil = verify only
	cfg       Config
	onFailure FailureDispatchFunc
	onMetrics MetricsRecordFunc
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a new Auditor.
func New(source ChainSource, sink anchor.Sink, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}
	return &Auditor{
		source: source,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// SetFailureDispatch configures the failure callback.
func (a *Auditor) SetFailureDispatch(fn FailureDispatchFunc) {
	a.onFailure = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs the audit loop until quit is signalled.
func (a *Auditor) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Interval)
			if _, err := a.CheckAll(ctx); err != nil {
				a.logger.Error("audit: pass aborted", zap.Error(err))
			}
			cancel()
		case <-quit:
			return
		}
	}
}

// CheckAll verifies every chain with bounded concurrency. When every chain
// passes and a sink is configured, the new head manifest is anchored.
func (a *Auditor) CheckAll(ctx context.Context) (*Report, error) {
	prev, anchorErr := a.previous(ctx)

	var (
		mu       sync.Mutex
		report   = &Report{Failures: []Failure{}}
		heads    []anchor.Head
		seen     = make(map[string]struct{})
		readErrs int
	)
	fail := func(f Failure) {
		mu.Lock()
		report.Failures = append(report.Failures, f)
		mu.Unlock()
		a.logger.Warn("audit: chain failed",
			zap.String("chain_key", f.ChainKey),
			zap.String("reason", f.Reason),
		)
		if a.onFailure != nil {
			a.onFailure(ctx, f)
		}
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup

	for offset := 0; ; offset += a.cfg.PageSize {
		keys, err := a.source.Keys(ctx, a.cfg.PageSize, offset)
		if err != nil {
			wg.Wait()
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				chain, err := a.source.Chain(ctx, key)
				if err != nil {
					a.logger.Error("audit: read chain", zap.String("chain_key", key), zap.Error(err))
					mu.Lock()
					readErrs++
					mu.Unlock()
					fail(Failure{ChainKey: key, Reason: ReasonReadError})
					return
				}

				mu.Lock()
				report.Checked++
				mu.Unlock()

				reason := check(key, chain, prev)
				if a.onMetrics != nil {
					a.onMetrics(reason == "")
				}
				if reason != "" {
					fail(Failure{ChainKey: key, Reason: reason})
					return
				}

				head := chain[len(chain)-1]
				mu.Lock()
				heads = append(heads, anchor.Head{ChainKey: key, Seq: head.Seq, Digest: head.Digest})
				mu.Unlock()
			}(k)
		}
		if len(keys) < a.cfg.PageSize {
			break
		}
	}
	wg.Wait()

	if prev != nil {
		for _, h := range prev.Heads {
			if _, ok := seen[h.ChainKey]; !ok {
				fail(Failure{ChainKey: h.ChainKey, Reason: ReasonVanished})
			}
		}
	}

	a.logger.Info("audit: pass complete",
		zap.Int("checked", report.Checked),
		zap.Int("failures", len(report.Failures)),
		zap.Int("read_errors", readErrs),
	)

	if anchorErr != nil {
		report.AnchorError = anchorErr.Error()
		return report, nil
	}
	if len(report.Failures) > 0 || a.sink == nil {
		return report, nil
	}
	m := anchor.NewManifest(heads, a.now())
	if err := a.sink.Put(ctx, m); err != nil {
		a.logger.Error("audit: anchor manifest", zap.Error(err))
		return report, nil
	}
	report.Manifest = m
	return report, nil
}

// previous loads the last anchored manifest. It returns nil and no error
// when nothing has been anchored yet.
func (a *Auditor) previous(ctx context.Context) (*anchor.Manifest, error) {
	if a.sink == nil {
		return nil, nil
	}
	m, err := a.sink.Latest(ctx)
	if errors.Is(err, anchor.ErrNoManifest) {
		return nil, nil
	}
	if err != nil {
		a.logger.Error("audit: load anchored manifest, anchoring suspended", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAnchorUnavailable, err)
	}
	if !m.Valid() {
		a.logger.Error("audit: anchored manifest root mismatch, anchoring suspended", zap.String("root", m.Root))
		return nil, ErrAnchorTampered
	}
	return m, nil
}

// check returns the failure reason for chain, or "" when it passes.
func check(key string, chain []*ledger.Event, prev *anchor.Manifest) string {
	if len(chain) == 0 || !ledger.VerifyChain(key, chain) {
		return ReasonBroken
	}
	if prev == nil {
		return ""
	}
	h, ok := prev.Lookup(key)
	if !ok {
		return ""
	}
	// A chain only grows: the anchored head must still be at its position.
	if h.Seq < 1 || int64(len(chain)) < h.Seq || chain[h.Seq-1].Digest != h.Digest {
		return ReasonDiverged
	}
	return ""
}
