package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilestream/internal/cache"
	"tilestream/internal/device"
	"tilestream/internal/logging"
	"tilestream/internal/position"
)

// Loader is the part of the cache the policy drives.
type Loader interface {
	EnsureLoaded(ctx context.Context, id string, priority cache.LoadPriority) (*device.Texture, error)
}

// Radii are the half-widths of the three concentric square rings.
type Radii struct {
	Immediate int
	Preload   int
	Cache     int
}

func (r Radii) Validate() error {
	if r.Immediate < 0 {
		return fmt.Errorf("immediate radius must be >= 0, got %d", r.Immediate)
	}
	if !(r.Immediate < r.Preload && r.Preload < r.Cache) {
		return fmt.Errorf("radii must satisfy immediate < preload < cache, got %d/%d/%d", r.Immediate, r.Preload, r.Cache)
	}
	return nil
}

// Request is one EnsureLoaded call planned for a pass.
type Request struct {
	Pos      position.ChunkPos
	ID       string
	Priority cache.LoadPriority
}

// PassResult summarizes one streaming pass.
type PassResult struct {
	ID        string                     `json:"id"`
	Focus     position.ChunkPos          `json:"focus"`
	Requests  map[cache.LoadPriority]int `json:"requests"`
	Resident  int                        `json:"resident"`
	Deferred  int                        `json:"deferred"`
	Failures  int                        `json:"failures"`
	Kept      int                        `json:"kept"`
	Dropped   int                        `json:"dropped"`
	Cancelled bool                       `json:"cancelled"`
	Duration  time.Duration              `json:"duration"`
}

// Total is the number of requests issued in the pass.
func (r PassResult) Total() int {
	n := 0
	for _, v := range r.Requests {
		n += v
	}
	return n
}

// Policy decides which chunks must be resident at which priority around a
// focus chunk and drives the loader accordingly.
type Policy struct {
	radii  Radii
	chunks *ChunkStore
	loader Loader
}

func NewPolicy(radii Radii, chunks *ChunkStore, loader Loader) (*Policy, error) {
	if err := radii.Validate(); err != nil {
		return nil, err
	}
	return &Policy{radii: radii, chunks: chunks, loader: loader}, nil
}

func (p *Policy) Radii() Radii {
	return p.radii
}

// Plan lists the requests for a pass at focus: the Immediate ring first,
// then Preload, then Cache, each row-major. Rings overlap, so a coordinate
// appears once per ring that contains it.
func (p *Policy) Plan(focus position.ChunkPos) []Request {
	rings := []struct {
		r int
		p cache.LoadPriority
	}{
		{p.radii.Immediate, cache.PriorityImmediate},
		{p.radii.Preload, cache.PriorityPreload},
		{p.radii.Cache, cache.PriorityCache},
	}

	total := 0
	for _, ring := range rings {
		side := 2*ring.r + 1
		total += side * side
	}

	reqs := make([]Request, 0, total)
	for _, ring := range rings {
		for dy := -ring.r; dy <= ring.r; dy++ {
			for dx := -ring.r; dx <= ring.r; dx++ {
				pos := focus.Add(dx, dy)
				reqs = append(reqs, Request{Pos: pos, ID: position.ResourceID(pos), Priority: ring.p})
			}
		}
	}
	return reqs
}

// Keep is the union of all ring coordinates around focus.
func (p *Policy) Keep(focus position.ChunkPos) map[position.ChunkPos]struct{} {
	r := p.radii.Cache
	keep := make(map[position.ChunkPos]struct{}, (2*r+1)*(2*r+1))
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			keep[focus.Add(dx, dy)] = struct{}{}
		}
	}
	return keep
}

// Stream runs one pass at focus. Chunks are materialized as they are
// visited; once every request has been issued the store keeps only the
// chunks inside the outer ring. A cancelled pass stops issuing requests and
// leaves the chunk store to the pass that replaced it.
func (p *Policy) Stream(ctx context.Context, focus position.ChunkPos) PassResult {
	start := time.Now()
	res := PassResult{
		ID:       uuid.New().String(),
		Focus:    focus,
		Requests: make(map[cache.LoadPriority]int, 3),
	}
	ctx = logging.WithCorrelationID(ctx, res.ID)

	for _, req := range p.Plan(focus) {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		p.chunks.GetOrCreate(req.Pos)
		res.Requests[req.Priority]++

		tex, err := p.loader.EnsureLoaded(ctx, req.ID, req.Priority)
		switch {
		case err == nil:
			// drawing looks the texture up again; the pass holds no reference
			tex.Release()
			res.Resident++
		case errors.Is(err, cache.ErrNotResident):
			res.Deferred++
		case ctx.Err() != nil:
			res.Cancelled = true
		default:
			res.Failures++
			logging.Warn(ctx, logging.ComponentStreaming, logging.ActionLoad, "chunk texture unavailable", logging.Fields{
				"id":       req.ID,
				"priority": req.Priority.String(),
				"error":    err.Error(),
			})
		}
	}

	if !res.Cancelled {
		res.Dropped = p.chunks.Retain(p.Keep(focus))
		if res.Dropped > 0 {
			logging.Debug(ctx, logging.ComponentChunks, logging.ActionRetain, "chunks left scope", logging.Fields{
				"dropped": res.Dropped,
			})
		}
	}
	res.Kept = p.chunks.Len()
	res.Duration = time.Since(start)

	logging.WithDuration(ctx, logging.DEBUG, logging.ComponentStreaming, logging.ActionPass, "streaming pass finished", res.Duration, logging.Fields{
		"focus":     focus.String(),
		"requests":  res.Total(),
		"resident":  res.Resident,
		"deferred":  res.Deferred,
		"failures":  res.Failures,
		"dropped":   res.Dropped,
		"cancelled": res.Cancelled,
	})
	return res
}

// Streamer runs passes on a worker goroutine. Starting a pass cancels the
// one still running, which aborts its pending loads.
type Streamer struct {
	policy *Policy

	// ctl serializes pass control; the worker never takes it.
	ctl    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	last    PassResult
	hasLast bool
	passes  int64
	onPass  func(PassResult)
}

func NewStreamer(policy *Policy) *Streamer {
	return &Streamer{policy: policy}
}

// OnPass registers a callback invoked from the worker after every pass.
func (s *Streamer) OnPass(fn func(PassResult)) {
	s.mu.Lock()
	s.onPass = fn
	s.mu.Unlock()
}

// Update cancels any running pass, waits for it to unwind and starts a pass
// at focus. It returns without waiting for the new pass.
func (s *Streamer) Update(ctx context.Context, focus position.ChunkPos) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	passCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		res := s.policy.Stream(passCtx, focus)

		s.mu.Lock()
		s.last = res
		s.hasLast = true
		s.passes++
		fn := s.onPass
		s.mu.Unlock()

		if fn != nil {
			fn(res)
		}
	}()
}

// Wait blocks until the current pass, if any, finishes.
func (s *Streamer) Wait() {
	s.ctl.Lock()
	done := s.done
	s.ctl.Unlock()
	if done != nil {
		<-done
	}
}

// Last returns the result of the most recent finished pass.
func (s *Streamer) Last() (PassResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Passes returns how many passes have finished, cancelled ones included.
func (s *Streamer) Passes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// Stop cancels the running pass and waits for it.
func (s *Streamer) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}
