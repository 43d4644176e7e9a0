package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ident"
	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/provenance"
	"github.com/ayurchain/ayurchain/internal/registry/model"
	"github.com/ayurchain/ayurchain/internal/registry/repository"
)

// metadataRepo is the persistence interface for batch and product metadata.
// Every repository.*Repository satisfies this interface.
type metadataRepo interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, error)
	CreateProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]*model.Product, error)
	Counts(ctx context.Context) (*repository.Counts, error)
	DeleteBatch(ctx context.Context, id string) error
	DeleteProduct(ctx context.Context, id string) error
}

// Publisher receives every committed event. *events.KafkaPublisher,
// *events.RedisPublisher and events.Noop satisfy it.
type Publisher interface {
	Publish(ctx context.Context, ev *ledger.Event) error
}

// RetryPolicy bounds the transparent retries of AdvanceStage when another
// writer moved the chain head.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// maxClockSkew bounds how far a caller-supplied timestamp may run ahead.
const maxClockSkew = 5 * time.Minute

// DefaultRetryPolicy is five attempts starting at 10ms and doubling.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}

// backoff returns the delay before retry number attempt (1-based): the base
// doubled per attempt plus up to one base of jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.BaseDelay > 0 {
		d += rand.N(p.BaseDelay)
	}
	return d
}

// CommitRecordFunc is an optional callback invoked once per committed event.
type CommitRecordFunc func(stage ledger.Stage)

// RetryRecordFunc is an optional callback invoked once per stale-parent retry.
type RetryRecordFunc func()

// RegistryService registers batches and products and appends custody events.
type RegistryService struct {
	store        ledger.Store
	repo         metadataRepo
	ids          *ident.Generator
	publisher    Publisher // nil = no publishing
	retry        RetryPolicy
	storeTimeout time.Duration
	onCommit     CommitRecordFunc
	onRetry      RetryRecordFunc
	now          func() time.Time
	logger       *zap.Logger
}

// NewRegistryService creates a RegistryService. Identifiers are allocated
// against store's key space.
func NewRegistryService(store ledger.Store, repo metadataRepo, logger *zap.Logger) *RegistryService {
	return &RegistryService{
		store:        store,
		repo:         repo,
		ids:          ident.New(store),
		retry:        DefaultRetryPolicy,
		storeTimeout: 5 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
}

// SetPublisher configures where committed events are published.
func (s *RegistryService) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetRetryPolicy replaces DefaultRetryPolicy. MaxAttempts below 1 is ignored.
func (s *RegistryService) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts > 0 {
		s.retry = p
	}
}

// SetStoreTimeout bounds every individual store call.
func (s *RegistryService) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

// SetMetricsRecord configures the metrics recording callbacks.
func (s *RegistryService) SetMetricsRecord(onCommit CommitRecordFunc, onRetry RetryRecordFunc) {
	s.onCommit = onCommit
	s.onRetry = onRetry
}

// appendEvent appends ev under the store timeout.
func (s *RegistryService) appendEvent(ctx context.Context, key string, ev *ledger.Event) (*ledger.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.Append(ctx, key, ev)
}

// committed runs the post-commit side effects in a non-fatal manner.
func (s *RegistryService) committed(ctx context.Context, ev *ledger.Event) {
	if s.onCommit != nil {
		s.onCommit(ev.Stage)
	}
	s.logger.Info("custody event committed",
		zap.String("chain_key", ev.ChainKey),
		zap.String("event_id", ev.EventID),
		zap.String("stage", string(ev.Stage)),
		zap.Int64("seq", ev.Seq),
		zap.String("actor_id", ev.ActorID),
	)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("event publish failed (non-fatal)",
			zap.String("chain_key", ev.ChainKey),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
	}
}

func requireActor(actor model.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return &model.ErrValidation{Field: "actor_id", Msg: "is required"}
	}
	return nil
}

// RegisterBatch validates req, allocates a batch id, stores the metadata and
// commits the Origin event.
func (s *RegistryService) RegisterBatch(ctx context.Context, req *model.RegisterBatchRequest, actor model.Actor) (*model.BatchResult, error) {
	now := s.now().UTC()
	if err := req.Validate(now); err != nil {
		return nil, err
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		id, err := s.ids.NewBatchID(ctx, now.Year())
		if err != nil {
			return nil, fmt.Errorf("allocate batch id: %w", err)
		}

		batch := &model.Batch{
			BatchID:      id,
			Herb:         req.Herb,
			QuantityKg:   req.QuantityKg,
			HarvestDate:  req.HarvestDate,
			FarmerName:   strings.TrimSpace(req.FarmerName),
			FarmerID:     actor.ID,
			Location:     strings.TrimSpace(req.Location),
			GPS:          strings.TrimSpace(req.GPS),
			QualityGrade: req.QualityGrade,
			Notes:        req.Notes,
			CreatedAt:    now,
		}
		// The metadata insert reserves the id; a concurrent registration
		// that drew the same id fails here and draws again.
		if err := s.repo.CreateBatch(ctx, batch); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) && attempt < ident.DefaultMaxAttempts {
				continue
			}
			return nil, fmt.Errorf("store batch %s: %w", id, err)
		}

		origin, err := s.commitFirst(ctx, id, &ledger.Event{
			Stage:     ledger.StageOrigin,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Location:  batch.Location,
			GPS:       batch.GPS,
			Timestamp: now,
			Detail:    model.SealDetail(req.OriginDetail(), batch.MetadataDigest()),
		})
		if err != nil {
			// The id is released so a failed registration leaves nothing behind.
			s.release(id, s.repo.DeleteBatch)
		}
		if errors.Is(err, ledger.ErrStaleParent) && attempt < ident.DefaultMaxAttempts {
			// A chain already exists under this id without metadata.
			s.logger.Warn("batch id already has a chain, drawing another", zap.String("batch_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		return &model.BatchResult{Batch: batch, Origin: origin}, nil
	}
}

// release removes metadata whose first event was never committed. It runs
// on a fresh context so a cancelled request still cleans up.
func (s *RegistryService) release(id string, del func(context.Context, string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	if err := del(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("release of uncommitted record failed",
			zap.String("id", id),
			zap.Error(err),
		)
	}
}

// commitFirst appends the first event of a new chain, drawing a new event id
// if the drawn one was taken between allocation and commit.
func (s *RegistryService) commitFirst(ctx context.Context, key string, ev *ledger.Event) (*ledger.Event, error) {
	for attempt := 1; ; attempt++ {
		eventID, err := s.ids.NewEventID(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate event id: %w", err)
		}
		ev.EventID = eventID
		committed, err := s.appendEvent(ctx, key, ev)
		if errors.Is(err, ledger.ErrDuplicateEvent) && attempt < ident.DefaultMaxAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append first event of %s: %w", key, err)
		}
		s.committed(ctx, committed)
		return committed, nil
	}
}

// AdvanceStage appends a custody event to the chain of a batch or product.
//
// Without req.ExpectedParent, a head that moves between read and append is
// retried under the retry policy, re-validating the transition each time.
// With it, a mismatch is returned as ledger.ErrStaleParent.
func (s *RegistryService) AdvanceStage(ctx context.Context, id string, req *model.AdvanceStageRequest, actor model.Actor) (*ledger.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	key := strings.ToUpper(strings.TrimSpace(id))

	ts := s.now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
		if ts.After(s.now().Add(maxClockSkew)) {
			return nil, &model.ErrValidation{Field: "timestamp", Msg: "must not be in the future"}
		}
	}

	eventID, err := s.ids.NewEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate event id: %w", err)
	}

	for attempt := 1; ; attempt++ {
		head, err := s.store.Head(ctx, key)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownBatch, key)
		}
		if err != nil {
			return nil, fmt.Errorf("read head of %s: %w", key, err)
		}
		if req.ExpectedParent != "" && req.ExpectedParent != head.Digest {
			return nil, ledger.ErrStaleParent
		}
		if !model.CanTransition(head.Stage, req.Stage) {
			return nil, &model.TransitionError{ChainKey: key, From: head.Stage, To: req.Stage}
		}
		if ts.Before(head.Timestamp) {
			return nil, &model.ErrValidation{Field: "timestamp", Msg: "must not precede the previous event at " + head.Timestamp.Format(time.RFC3339)}
		}

		committed, err := s.appendEvent(ctx, key, &ledger.Event{
			EventID:      eventID,
			ParentDigest: head.Digest,
			Stage:        req.Stage,
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			Location:     strings.TrimSpace(req.Location),
			GPS:          strings.TrimSpace(req.GPS),
			Timestamp:    ts,
			Status:       req.Status,
			Detail:       req.Detail,
		})
		switch {
		case err == nil:
			s.committed(ctx, committed)
			return committed, nil
		case errors.Is(err, ledger.ErrStaleParent):
			if req.ExpectedParent != "" || attempt >= s.retry.MaxAttempts {
				return nil, err
			}
			if s.onRetry != nil {
				s.onRetry()
			}
			s.logger.Debug("stale parent, retrying",
				zap.String("chain_key", key),
				zap.Int("attempt", attempt),
			)
			if err := sleep(ctx, s.retry.backoff(attempt)); err != nil {
				return nil, err
			}
		case errors.Is(err, ledger.ErrDuplicateEvent) && attempt < s.retry.MaxAttempts:
			if eventID, err = s.ids.NewEventID(ctx); err != nil {
				return nil, fmt.Errorf("allocate event id: %w", err)
			}
		default:
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateProduct creates a product from existing, verified batches and
// commits its Manufacturing event.
func (s *RegistryService) CreateProduct(ctx context.Context, req *model.CreateProductRequest, actor model.Actor) (*model.ProductResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	for _, in := range req.Composition {
		if err := s.checkIngredient(ctx, in.BatchID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	for attempt := 1; ; attempt++ {
		id, err := s.ids.NewProductID(ctx, now.Year())
		if err != nil {
			return nil, fmt.Errorf("allocate product id: %w", err)
		}
		product := &model.Product{
			ProductID:       id,
			Name:            strings.TrimSpace(req.Name),
			ManufacturerID:  actor.ID,
			Manufacturer:    strings.TrimSpace(req.Manufacturer),
			ManufactureDate: req.ManufactureDate,
			ExpiryDate:      req.ExpiryDate,
			Composition:     req.Composition,
			Certifications:  req.Certifications,
			QualityTests:    req.QualityTests,
			CreatedAt:       now,
		}
		if err := s.repo.CreateProduct(ctx, product); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) && attempt < ident.DefaultMaxAttempts {
				continue
			}
			return nil, fmt.Errorf("store product %s: %w", id, err)
		}

		ev, err := s.commitFirst(ctx, id, &ledger.Event{
			Stage:     ledger.StageManufacturing,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Location:  strings.TrimSpace(req.Location),
			GPS:       strings.TrimSpace(req.GPS),
			Timestamp: now,
			Detail:    model.SealDetail(req.ManufacturingDetail(id), product.MetadataDigest()),
		})
		if err != nil {
			s.release(id, s.repo.DeleteProduct)
			return nil, err
		}
		return &model.ProductResult{Product: product, Manufacturing: ev}, nil
	}
}

// checkIngredient confirms that id names a registered batch whose chain
// verifies against its metadata.
func (s *RegistryService) checkIngredient(ctx context.Context, id string) error {
	b, err := s.repo.GetBatch(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrUnknownBatch, id)
	}
	if err != nil {
		return fmt.Errorf("get batch %s: %w", id, err)
	}
	chain, err := s.store.Chain(ctx, id)
	if err != nil {
		return fmt.Errorf("read chain %s: %w", id, err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("%w: %s", model.ErrUnknownBatch, id)
	}
	return provenance.CheckSealed(id, b.MetadataDigest(), chain)
}

// sealedChain reads the chain of id and verifies it against the metadata
// digest sealed into its first event.
func (s *RegistryService) sealedChain(ctx context.Context, id, metadataDigest string) ([]*ledger.Event, error) {
	chain, err := s.store.Chain(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read chain %s: %w", id, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: chain %s", provenance.ErrNotFound, id)
	}
	if err := provenance.CheckSealed(id, metadataDigest, chain); err != nil {
		s.logger.Warn("chain failed verification on read", zap.String("chain_key", id))
		return nil, err
	}
	return chain, nil
}

// GetBatch returns a batch and its verified chain.
func (s *RegistryService) GetBatch(ctx context.Context, id string) (*model.BatchView, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	b, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := s.sealedChain(ctx, id, b.MetadataDigest())
	if err != nil {
		return nil, err
	}
	return &model.BatchView{Batch: b, Chain: chain}, nil
}

// ListBatches returns batches newest first.
func (s *RegistryService) ListBatches(ctx context.Context, limit, offset int) ([]*model.Batch, error) {
	return s.repo.ListBatches(ctx, limit, offset)
}

// GetProduct returns a product and its verified chain.
func (s *RegistryService) GetProduct(ctx context.Context, id string) (*model.ProductView, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := s.sealedChain(ctx, id, p.MetadataDigest())
	if err != nil {
		return nil, err
	}
	return &model.ProductView{Product: p, Chain: chain}, nil
}

// ListProducts returns products newest first.
func (s *RegistryService) ListProducts(ctx context.Context, limit, offset int) ([]*model.Product, error) {
	return s.repo.ListProducts(ctx, limit, offset)
}

// RecentEvents returns the latest committed events across all chains.
func (s *RegistryService) RecentEvents(ctx context.Context, limit int) ([]*ledger.Event, error) {
	return s.store.Recent(ctx, limit)
}

// Stats summarises the registry for dashboards.
func (s *RegistryService) Stats(ctx context.Context) (*model.Stats, error) {
	counts, err := s.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}
	ls, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	return &model.Stats{
		TotalBatches:  counts.Batches,
		TotalProducts: counts.Products,
		ActiveFarmers: counts.Farmers,
		Manufacturers: counts.Manufacturers,
		Chains:        ls.Chains,
		Events:        ls.Events,
		EventsByStage: ls.EventsByStage,
	}, nil
}
