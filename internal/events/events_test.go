package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func committed() *ledger.Event {
	return &ledger.Event{
		EventID:   "TX-4F1A9C3B2D7E8F60",
		ChainKey:  "AYR-2024-001234",
		Seq:       2,
		Stage:     ledger.StageTransport,
		ActorID:   "TRN-001",
		Timestamp: fixedNow,
		Status:    ledger.StatusConfirmed,
		Digest:    "abc123",
	}
}

type stubProducer struct {
	mu       sync.Mutex
	records  []*kgo.Record
	fail     error
	flushed  bool
	closed   bool
	flushErr error
}

func (p *stubProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	promise(r, p.fail)
}

func (p *stubProducer) Flush(context.Context) error {
	p.flushed = true
	return p.flushErr
}

func (p *stubProducer) Close() { p.closed = true }

func TestKafkaPublisher_keysByChain(t *testing.T) {
	stub := &stubProducer{}
	p := newKafkaPublisher(stub, DefaultKafkaTopic, zap.NewNop())
	p.now = func() time.Time { return fixedNow }

	require.NoError(t, p.Publish(context.Background(), committed()))
	require.Len(t, stub.records, 1)

	rec := stub.records[0]
	assert.Equal(t, DefaultKafkaTopic, rec.Topic)
	assert.Equal(t, "AYR-2024-001234", string(rec.Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Value, &env))
	assert.Equal(t, EventCommitted, env.Type)
	assert.Equal(t, "TX-4F1A9C3B2D7E8F60", env.Event.EventID)
	assert.True(t, env.PublishedAt.Equal(fixedNow))
}

func TestKafkaPublisher_deliveryFailureIsNotReturned(t *testing.T) {
	stub := &stubProducer{fail: errors.New("broker unavailable")}
	p := newKafkaPublisher(stub, "custom", zap.NewNop())

	assert.NoError(t, p.Publish(context.Background(), committed()))
}

func TestKafkaPublisher_closeFlushes(t *testing.T) {
	stub := &stubProducer{flushErr: context.DeadlineExceeded}
	p := newKafkaPublisher(stub, DefaultKafkaTopic, zap.NewNop())

	err := p.Close()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, stub.flushed)
	assert.True(t, stub.closed)
}

func TestNewKafkaPublisher_requiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "", zap.NewNop())
	assert.Error(t, err)
}

type stubRedis struct {
	channel string
	message any
	err     error
	closed  bool
}

func (r *stubRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	r.channel, r.message = channel, message
	return redis.NewIntResult(1, r.err)
}

func (r *stubRedis) Close() error {
	r.closed = true
	return nil
}

func TestRedisPublisher_publishesEnvelope(t *testing.T) {
	stub := &stubRedis{}
	p := newRedisPublisher(stub, "")
	p.now = func() time.Time { return fixedNow }

	require.NoError(t, p.Publish(context.Background(), committed()))
	assert.Equal(t, DefaultRedisChannel, stub.channel)

	var env Envelope
	require.NoError(t, json.Unmarshal(stub.message.([]byte), &env))
	assert.Equal(t, "AYR-2024-001234", env.ChainKey)
	assert.Equal(t, ledger.StageTransport, env.Event.Stage)

	require.NoError(t, p.Close())
	assert.True(t, stub.closed)
}

func TestRedisPublisher_surfacesErrors(t *testing.T) {
	p := newRedisPublisher(&stubRedis{err: errors.New("connection refused")}, "ch")
	assert.Error(t, p.Publish(context.Background(), committed()))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), committed()))
	assert.NoError(t, p.Close())
}
