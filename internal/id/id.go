// Package id provides ULID generation for runtime identifiers.
//
// Transaction traces and death subscriptions need ids that are unique
// across the process, sortable by creation time, and readable in logs;
// prefixed ULIDs cover all three.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TraceID identifies one proxy call across log lines.
type TraceID string

// SubscriberID identifies a death-notification subscriber.
type SubscriberID string

const (
	tracePrefix      = "txn"
	subscriberPrefix = "sub"
)

// Generator generates ULIDs from a shared entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTraceID generates a new transaction trace id.
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(tracePrefix))
}

// NewSubscriberID generates a new death subscriber id.
func NewSubscriberID() SubscriberID {
	return SubscriberID(Default().GenerateWithPrefix(subscriberPrefix))
}

func (id TraceID) String() string      { return string(id) }
func (id SubscriberID) String() string { return string(id) }
