package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/provenance"
	"github.com/ayurchain/ayurchain/internal/registry/model"
	"github.com/ayurchain/ayurchain/internal/registry/repository"
	"github.com/ayurchain/ayurchain/internal/registry/service"
)

var ctx = context.Background()

var (
	farmer       = model.Actor{ID: "FRM-KER-001", Role: "farmer"}
	transporter  = model.Actor{ID: "TRN-001", Role: "transporter"}
	processor    = model.Actor{ID: "PRC-001", Role: "processor"}
	manufacturer = model.Actor{ID: "MFG-001", Role: "manufacturer"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*ledger.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *ledger.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func newService(t *testing.T) (*service.RegistryService, *ledger.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc := service.NewRegistryService(store, repository.NewMemoryRepository(), zap.NewNop())
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	return svc, store, pub
}

func turmeric() *model.RegisterBatchRequest {
	return &model.RegisterBatchRequest{
		Herb:         "Turmeric (Curcuma longa)",
		QuantityKg:   500,
		HarvestDate:  "2024-01-15",
		FarmerName:   "Ravi Sharma",
		Location:     "Kerala",
		GPS:          "10.8505° N, 76.2711° E",
		QualityGrade: "A+",
	}
}

func advance(stage ledger.Stage) *model.AdvanceStageRequest {
	return &model.AdvanceStageRequest{Stage: stage, Location: "Kochi", Detail: string(stage) + " leg"}
}

// Register a batch: the Origin event starts a fresh chain.
func TestRegisterBatch(t *testing.T) {
	svc, store, pub := newService(t)
	var committed []ledger.Stage
	svc.SetMetricsRecord(func(st ledger.Stage) { committed = append(committed, st) }, nil)

	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	assert.Regexp(t, `^AYR-\d{4}-\d{6}$`, res.Batch.BatchID)
	assert.Equal(t, "Turmeric", res.Batch.Herb)
	assert.Equal(t, farmer.ID, res.Batch.FarmerID)

	o := res.Origin
	assert.Equal(t, ledger.StageOrigin, o.Stage)
	assert.Empty(t, o.ParentDigest)
	assert.Empty(t, o.ParentID)
	assert.Equal(t, int64(1), o.Seq)
	assert.Equal(t, ledger.StatusConfirmed, o.Status)
	assert.Regexp(t, `^TX-[0-9A-F]{16}$`, o.EventID)
	assert.Equal(t, ledger.ComputeDigest("", o.Stage, o.ActorID, o.Timestamp, o.Detail), o.Digest)
	sealed, ok := model.SealedDigest(o.Detail)
	require.True(t, ok)
	assert.Equal(t, res.Batch.MetadataDigest(), sealed)

	chain, err := store.Chain(ctx, res.Batch.BatchID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, *o, *chain[0])

	assert.Len(t, pub.events, 1)
	assert.Equal(t, []ledger.Stage{ledger.StageOrigin}, committed)
}

func TestRegisterBatch_invalidInputTouchesNothing(t *testing.T) {
	svc, store, pub := newService(t)

	req := turmeric()
	req.QuantityKg = 0
	_, err := svc.RegisterBatch(ctx, req, farmer)
	var ve *model.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "quantity_kg", ve.Field)

	_, err = svc.RegisterBatch(ctx, turmeric(), model.Actor{})
	require.ErrorAs(t, err, &ve)

	st, _ := store.Stats(ctx)
	assert.Zero(t, st.Events)
	assert.Empty(t, pub.events)
}

// Advance through transport and processing, then verify the chain.
func TestAdvanceStage_happyPath(t *testing.T) {
	svc, store, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	tr, err := svc.AdvanceStage(ctx, id, advance(ledger.StageTransport), transporter)
	require.NoError(t, err)
	assert.Equal(t, res.Origin.Digest, tr.ParentDigest)
	assert.Equal(t, res.Origin.EventID, tr.ParentID)

	pr, err := svc.AdvanceStage(ctx, id, advance(ledger.StageProcessing), processor)
	require.NoError(t, err)
	assert.Equal(t, tr.Digest, pr.ParentDigest)
	assert.Equal(t, int64(3), pr.Seq)

	ok, err := store.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	view, err := svc.GetBatch(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Chain, 3)
	assert.Equal(t, []ledger.Stage{ledger.StageOrigin, ledger.StageTransport, ledger.StageProcessing},
		[]ledger.Stage{view.Chain[0].Stage, view.Chain[1].Stage, view.Chain[2].Stage})
}

// An out-of-order stage is rejected and leaves the chain untouched.
func TestAdvanceStage_invalidTransition(t *testing.T) {
	svc, store, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	_, err = svc.AdvanceStage(ctx, id, advance(ledger.StageProcessing), processor)
	require.NoError(t, err)

	_, err = svc.AdvanceStage(ctx, id, advance(ledger.StageTransport), transporter)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ledger.StageProcessing, te.From)
	assert.Equal(t, ledger.StageTransport, te.To)

	_, err = svc.AdvanceStage(ctx, id, advance(ledger.StageOrigin), farmer)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	chain, _ := store.Chain(ctx, id)
	assert.Len(t, chain, 2)
}

func TestAdvanceStage_transportMayRepeat(t *testing.T) {
	svc, _, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.AdvanceStage(ctx, res.Batch.BatchID, advance(ledger.StageTransport), transporter)
		require.NoError(t, err)
	}
}

func TestAdvanceStage_unknownBatch(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.AdvanceStage(ctx, "AYR-2024-424242", advance(ledger.StageTransport), transporter)
	assert.ErrorIs(t, err, model.ErrUnknownBatch)
}

func TestAdvanceStage_invalidRequest(t *testing.T) {
	svc, _, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	req := advance("Storage")
	_, err = svc.AdvanceStage(ctx, res.Batch.BatchID, req, transporter)
	var ve *model.ErrValidation
	assert.ErrorAs(t, err, &ve)

	req = advance(ledger.StageTransport)
	req.Status = "Lost"
	_, err = svc.AdvanceStage(ctx, res.Batch.BatchID, req, transporter)
	assert.ErrorAs(t, err, &ve)
}

func TestAdvanceStage_expectedParentMismatch(t *testing.T) {
	svc, _, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	_, err = svc.AdvanceStage(ctx, id, advance(ledger.StageTransport), transporter)
	require.NoError(t, err)

	req := advance(ledger.StageProcessing)
	req.ExpectedParent = res.Origin.Digest
	_, err = svc.AdvanceStage(ctx, id, req, processor)
	assert.ErrorIs(t, err, ledger.ErrStaleParent)
}

// Concurrent writers that name the same expected parent: one wins.
func TestAdvanceStage_concurrentExpectedParent(t *testing.T) {
	svc, store, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	const n = 10
	var wins, stale atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := advance(ledger.StageTransport)
			req.ExpectedParent = res.Origin.Digest
			_, err := svc.AdvanceStage(ctx, id, req, transporter)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ledger.ErrStaleParent):
				stale.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), stale.Load())
	chain, _ := store.Chain(ctx, id)
	assert.Len(t, chain, 2)
}

// Concurrent writers without an expected parent are retried until all land.
func TestAdvanceStage_concurrentRetries(t *testing.T) {
	svc, store, _ := newService(t)
	var retries atomic.Int32
	svc.SetMetricsRecord(nil, func() { retries.Add(1) })
	svc.SetRetryPolicy(service.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond})

	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AdvanceStage(ctx, id, advance(ledger.StageTransport), transporter); err != nil {
				t.Errorf("AdvanceStage: %v", err)
			}
		}()
	}
	wg.Wait()

	chain, err := store.Chain(ctx, id)
	require.NoError(t, err)
	assert.Len(t, chain, n+1)
	ok, err := store.Verify(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

// staleStore reports a stale parent for every append after the first.
type staleStore struct {
	*ledger.MemoryStore
	appends atomic.Int32
}

func (s *staleStore) Append(ctx context.Context, key string, ev *ledger.Event) (*ledger.Event, error) {
	if s.appends.Add(1) > 1 {
		return nil, ledger.ErrStaleParent
	}
	return s.MemoryStore.Append(ctx, key, ev)
}

func TestAdvanceStage_retriesAreBounded(t *testing.T) {
	store := &staleStore{MemoryStore: ledger.NewMemoryStore()}
	svc := service.NewRegistryService(store, repository.NewMemoryRepository(), zap.NewNop())
	svc.SetRetryPolicy(service.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond})
	var retries int
	svc.SetMetricsRecord(nil, func() { retries++ })

	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	_, err = svc.AdvanceStage(ctx, res.Batch.BatchID, advance(ledger.StageTransport), transporter)
	assert.ErrorIs(t, err, ledger.ErrStaleParent)
	assert.Equal(t, 2, retries)
	assert.Equal(t, int32(4), store.appends.Load())
}

func TestAdvanceStage_publishFailureIsNonFatal(t *testing.T) {
	svc, store, pub := newService(t)
	pub.err = errors.New("broker down")

	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	_, err = svc.AdvanceStage(ctx, res.Batch.BatchID, advance(ledger.StageTransport), transporter)
	require.NoError(t, err)

	chain, _ := store.Chain(ctx, res.Batch.BatchID)
	assert.Len(t, chain, 2)
}

func productRequest(batches ...string) *model.CreateProductRequest {
	req := &model.CreateProductRequest{
		Name:            "Premium Turmeric Capsules",
		Manufacturer:    "AyurVeda Naturals Pvt Ltd",
		ManufactureDate: "2024-02-01",
		ExpiryDate:      "2026-02-01",
		Certifications:  []string{"AYUSH Certified"},
		Location:        "Bengaluru",
	}
	for _, b := range batches {
		req.Composition = append(req.Composition, model.Ingredient{BatchID: b, Percentage: 100 / float64(len(batches))})
	}
	return req
}

func TestCreateProduct(t *testing.T) {
	svc, store, _ := newService(t)
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	b, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	res, err := svc.CreateProduct(ctx, productRequest(a.Batch.BatchID, b.Batch.BatchID), manufacturer)
	require.NoError(t, err)
	assert.Regexp(t, `^AYR-PROD-\d{4}-\d{6}$`, res.Product.ProductID)
	assert.Equal(t, manufacturer.ID, res.Product.ManufacturerID)
	assert.Equal(t, ledger.StageManufacturing, res.Manufacturing.Stage)
	assert.Empty(t, res.Manufacturing.ParentDigest)

	_, err = svc.AdvanceStage(ctx, res.Product.ProductID, advance(ledger.StageRetail), model.Actor{ID: "RTL-1", Role: "retailer"})
	require.NoError(t, err)

	view, err := svc.GetProduct(ctx, res.Product.ProductID)
	require.NoError(t, err)
	assert.Len(t, view.Chain, 2)

	ok, err := store.Verify(ctx, res.Product.ProductID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateProduct_unknownBatch(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CreateProduct(ctx, productRequest("AYR-2024-000404"), manufacturer)
	assert.ErrorIs(t, err, model.ErrUnknownBatch)
}

// tamperStore rewrites the detail of the first event of every chain it reads.
type tamperStore struct{ *ledger.MemoryStore }

func (s tamperStore) Chain(ctx context.Context, key string) ([]*ledger.Event, error) {
	events, err := s.MemoryStore.Chain(ctx, key)
	if err == nil && len(events) > 0 {
		events[0].Detail = "Harvested 5000kg Turmeric (grade A+)"
	}
	return events, err
}

func TestCreateProduct_rejectsTamperedBatch(t *testing.T) {
	mem := ledger.NewMemoryStore()
	svc := service.NewRegistryService(tamperStore{mem}, repository.NewMemoryRepository(), zap.NewNop())
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	assert.ErrorIs(t, err, provenance.ErrIntegrityViolation)
}

func TestCreateProduct_rejectsProductAsIngredient(t *testing.T) {
	svc, _, _ := newService(t)
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	p, err := svc.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, productRequest(p.Product.ProductID), manufacturer)
	var ve *model.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "composition", ve.Field)
}

// A chain committed under a batch code without batch metadata is not a batch.
func TestCreateProduct_rejectsChainWithoutMetadata(t *testing.T) {
	svc, store, _ := newService(t)
	_, err := store.Append(ctx, "AYR-2024-000777", &ledger.Event{
		EventID: "TX-ORPHAN", Stage: ledger.StageOrigin, ActorID: "FRM-1", Timestamp: ledger.Now(),
	})
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, productRequest("AYR-2024-000777"), manufacturer)
	assert.ErrorIs(t, err, model.ErrUnknownBatch)
	products, _ := svc.ListProducts(ctx, 10, 0)
	assert.Empty(t, products)
}

func TestGetBatch_rejectsTamperedChain(t *testing.T) {
	mem := ledger.NewMemoryStore()
	svc := service.NewRegistryService(tamperStore{mem}, repository.NewMemoryRepository(), zap.NewNop())
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	view, err := svc.GetBatch(ctx, a.Batch.BatchID)
	assert.Nil(t, view)
	var ie *provenance.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, a.Batch.BatchID, ie.ChainKey)
}

// editedRepo serves metadata that no longer matches what was sealed.
type editedRepo struct {
	*repository.MemoryRepository
}

func (r editedRepo) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := r.MemoryRepository.GetBatch(ctx, id)
	if err == nil {
		b.QualityGrade = "A+"
		b.QuantityKg *= 10
	}
	return b, err
}

func (r editedRepo) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	p, err := r.MemoryRepository.GetProduct(ctx, id)
	if err == nil {
		p.Certifications = append(p.Certifications, "USDA Organic")
	}
	return p, err
}

func TestGet_rejectsEditedMetadata(t *testing.T) {
	store, repo := ledger.NewMemoryStore(), repository.NewMemoryRepository()
	svc := service.NewRegistryService(store, repo, zap.NewNop())
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	p, err := svc.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	require.NoError(t, err)

	edited := service.NewRegistryService(store, editedRepo{repo}, zap.NewNop())
	_, err = edited.GetBatch(ctx, a.Batch.BatchID)
	assert.ErrorIs(t, err, provenance.ErrIntegrityViolation)
	_, err = edited.GetProduct(ctx, p.Product.ProductID)
	assert.ErrorIs(t, err, provenance.ErrIntegrityViolation)
	_, err = edited.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	assert.ErrorIs(t, err, provenance.ErrIntegrityViolation)
}

// failingStore accepts reads but refuses every append.
type failingStore struct{ *ledger.MemoryStore }

func (failingStore) Append(context.Context, string, *ledger.Event) (*ledger.Event, error) {
	return nil, errors.New("store unavailable")
}

func TestRegisterBatch_failedAppendLeavesNoMetadata(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.NewRegistryService(failingStore{ledger.NewMemoryStore()}, repo, zap.NewNop())

	_, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.Error(t, err)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Batches)
	batches, err := svc.ListBatches(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

// flakyStore fails the first append of every product chain.
type flakyStore struct {
	*ledger.MemoryStore
}

func (s flakyStore) Append(ctx context.Context, key string, ev *ledger.Event) (*ledger.Event, error) {
	if ev.Stage == ledger.StageManufacturing {
		return nil, context.DeadlineExceeded
	}
	return s.MemoryStore.Append(ctx, key, ev)
}

func TestCreateProduct_failedAppendLeavesNoMetadata(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := service.NewRegistryService(flakyStore{ledger.NewMemoryStore()}, repo, zap.NewNop())
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)

	_, err = svc.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Batches)
	assert.Zero(t, counts.Products)
}

func TestAdvanceStage_timestampOrdering(t *testing.T) {
	svc, store, _ := newService(t)
	res, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	id := res.Batch.BatchID

	req := advance(ledger.StageTransport)
	before := res.Origin.Timestamp.Add(-time.Hour)
	req.Timestamp = &before
	_, err = svc.AdvanceStage(ctx, id, req, transporter)
	var ve *model.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "timestamp", ve.Field)

	req = advance(ledger.StageTransport)
	future := time.Now().Add(time.Hour)
	req.Timestamp = &future
	_, err = svc.AdvanceStage(ctx, id, req, transporter)
	require.ErrorAs(t, err, &ve)

	req = advance(ledger.StageTransport)
	after := res.Origin.Timestamp.Add(time.Second)
	req.Timestamp = &after
	_, err = svc.AdvanceStage(ctx, id, req, transporter)
	require.NoError(t, err)

	chain, _ := store.Chain(ctx, id)
	assert.Len(t, chain, 2)
}

func TestStatsAndListings(t *testing.T) {
	svc, _, _ := newService(t)
	a, err := svc.RegisterBatch(ctx, turmeric(), farmer)
	require.NoError(t, err)
	_, err = svc.RegisterBatch(ctx, turmeric(), model.Actor{ID: "FRM-MP-002", Role: "farmer"})
	require.NoError(t, err)
	_, err = svc.AdvanceStage(ctx, a.Batch.BatchID, advance(ledger.StageTransport), transporter)
	require.NoError(t, err)
	_, err = svc.CreateProduct(ctx, productRequest(a.Batch.BatchID), manufacturer)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalBatches)
	assert.Equal(t, 1, st.TotalProducts)
	assert.Equal(t, 2, st.ActiveFarmers)
	assert.Equal(t, 1, st.Manufacturers)
	assert.Equal(t, 3, st.Chains)
	assert.Equal(t, 4, st.Events)
	assert.Equal(t, 2, st.EventsByStage[ledger.StageOrigin])

	batches, err := svc.ListBatches(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	products, err := svc.ListProducts(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, products, 1)

	recent, err := svc.RecentEvents(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
