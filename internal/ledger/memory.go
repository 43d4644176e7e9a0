package ledger

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

// memChain holds one chain. Appends are serialised by mu; readers load the
// immutable snapshot without locking. A chain whose first append was
// rejected is marked dead and removed from its shard.
type memChain struct {
	mu   sync.Mutex
	dead bool
	snap atomic.Pointer[[]*Event]
}

func (c *memChain) load() []*Event {
	if p := c.snap.Load(); p != nil {
		return *p
	}
	return nil
}

type memShard struct {
	mu     sync.RWMutex
	chains map[string]*memChain
}

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	shards   [shardCount]memShard
	eventIDs sync.Map // event id -> chain key
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].chains = make(map[string]*memChain)
	}
	return s
}

func (s *MemoryStore) shard(chainKey string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chainKey))
	return &s.shards[h.Sum32()%shardCount]
}

// chain returns the chain for key, creating it when create is set.
func (s *MemoryStore) chain(chainKey string, create bool) *memChain {
	sh := s.shard(chainKey)
	sh.mu.RLock()
	c, ok := sh.chains[chainKey]
	sh.mu.RUnlock()
	if ok || !create {
		return c
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok = sh.chains[chainKey]; !ok {
		c = &memChain{}
		sh.chains[chainKey] = c
	}
	return c
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, chainKey string, ev *Event) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(chainKey, ev); err != nil {
		return nil, err
	}

	for {
		c := s.chain(chainKey, true)
		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		committed, err := s.appendLocked(chainKey, c, ev)
		if err != nil && len(c.load()) == 0 {
			s.drop(chainKey, c)
		}
		c.mu.Unlock()
		return committed, err
	}
}

// appendLocked seals ev onto c. The caller holds c.mu.
func (s *MemoryStore) appendLocked(chainKey string, c *memChain, ev *Event) (*Event, error) {
	events := c.load()
	var head *Event
	if n := len(events); n > 0 {
		head = events[n-1]
	}

	committed, err := seal(chainKey, head, ev, s.now())
	if err != nil {
		return nil, err
	}
	if _, dup := s.eventIDs.LoadOrStore(committed.EventID, chainKey); dup {
		return nil, ErrDuplicateEvent
	}

	next := make([]*Event, len(events), len(events)+1)
	copy(next, events)
	next = append(next, committed)
	c.snap.Store(&next)

	return committed.clone(), nil
}

// drop removes an empty chain from its shard. The caller holds c.mu.
func (s *MemoryStore) drop(chainKey string, c *memChain) {
	c.dead = true
	sh := s.shard(chainKey)
	sh.mu.Lock()
	if sh.chains[chainKey] == c {
		delete(sh.chains, chainKey)
	}
	sh.mu.Unlock()
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, chainKey string) (*Event, error) {
	c := s.chain(chainKey, false)
	if c == nil {
		return nil, ErrNotFound
	}
	events := c.load()
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[len(events)-1].clone(), nil
}

// Chain implements Store.
func (s *MemoryStore) Chain(_ context.Context, chainKey string) ([]*Event, error) {
	c := s.chain(chainKey, false)
	if c == nil {
		return []*Event{}, nil
	}
	events := c.load()
	out := make([]*Event, len(events))
	for i, e := range events {
		out[i] = e.clone()
	}
	return out, nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(_ context.Context, chainKey string) (bool, error) {
	c := s.chain(chainKey, false)
	if c == nil {
		return false, ErrNotFound
	}
	events := c.load()
	if len(events) == 0 {
		return false, ErrNotFound
	}
	return VerifyChain(chainKey, events), nil
}

// ChainExists implements Store.
func (s *MemoryStore) ChainExists(_ context.Context, chainKey string) (bool, error) {
	c := s.chain(chainKey, false)
	return c != nil && len(c.load()) > 0, nil
}

// EventExists implements Store.
func (s *MemoryStore) EventExists(_ context.Context, eventID string) (bool, error) {
	_, ok := s.eventIDs.Load(eventID)
	return ok, nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(_ context.Context, limit, offset int) ([]string, error) {
	keys := s.keys()
	sort.Strings(keys)
	return page(keys, limit, offset), nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*Event, error) {
	var all []*Event
	for _, k := range s.keys() {
		all = append(all, s.chain(k, false).load()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CommittedAt.After(all[j].CommittedAt)
	})
	all = page(all, limit, 0)
	out := make([]*Event, len(all))
	for i, e := range all {
		out[i] = e.clone()
	}
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	st := newStats()
	for _, k := range s.keys() {
		events := s.chain(k, false).load()
		st.Chains++
		st.Events += len(events)
		for _, e := range events {
			st.EventsByStage[e.Stage]++
		}
	}
	return st, nil
}

// keys returns the keys of all non-empty chains.
func (s *MemoryStore) keys() []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, c := range sh.chains {
			if len(c.load()) > 0 {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
