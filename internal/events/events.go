// Package events publishes committed custody events to downstream
// consumers. Publishing happens after the ledger commit and never affects it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

// Default destinations.
const (
	DefaultKafkaTopic   = "ayurchain.custody-events"
	DefaultRedisChannel = "ayurchain:custody-events"
)

// Driver names accepted by the events.driver setting.
const (
	DriverNone  = "none"
	DriverKafka = "kafka"
	DriverRedis = "redis"
)

// EventCommitted is the envelope type of every published message.
const EventCommitted = "custody_event.committed"

// Publisher delivers committed events.
type Publisher interface {
	Publish(ctx context.Context, ev *ledger.Event) error
	Close() error
}

// Envelope is the JSON body of a published message.
type Envelope struct {
	Type        string        `json:"type"`
	ChainKey    string        `json:"chain_key"`
	PublishedAt time.Time     `json:"published_at"`
	Event       *ledger.Event `json:"event"`
}

func encode(ev *ledger.Event, now time.Time) ([]byte, error) {
	b, err := json.Marshal(Envelope{
		Type:        EventCommitted,
		ChainKey:    ev.ChainKey,
		PublishedAt: now.UTC(),
		Event:       ev,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, *ledger.Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }
