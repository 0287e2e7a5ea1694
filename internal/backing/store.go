// Package backing provides the slow, unbounded tier that cold resources are
// loaded from.
package backing

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"tilestream/internal/procedural"
)

// ErrNotFound is returned when a store has no payload for an id.
var ErrNotFound = errors.New("backing: resource not found")

// Store loads encoded resource payloads. Load may block and must honour
// context cancellation. Returned slices must not be modified by callers.
type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
}

// Procedural is a simulated store that serves generated placeholder
// patterns after a fixed latency.
type Procedural struct {
	gen     *procedural.Generator
	latency time.Duration

	// Fail, when set, is consulted before every load; a non-nil result
	// fails the load with that error.
	Fail func(id string) error

	loads    atomic.Int64
	failures atomic.Int64
}

// NewProcedural creates a simulated store. A zero latency still yields the
// processor once per load so callers observe a suspension point.
func NewProcedural(gen *procedural.Generator, latency time.Duration) *Procedural {
	return &Procedural{gen: gen, latency: latency}
}

func (p *Procedural) Load(ctx context.Context, id string) ([]byte, error) {
	p.loads.Add(1)

	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			p.failures.Add(1)
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else {
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			p.failures.Add(1)
			return nil, err
		}
	}

	if p.Fail != nil {
		if err := p.Fail(id); err != nil {
			p.failures.Add(1)
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
	}

	return p.gen.PayloadForID(id)
}

// Loads returns how many loads were attempted and how many failed.
func (p *Procedural) Loads() (total, failed int64) {
	return p.loads.Load(), p.failures.Load()
}
