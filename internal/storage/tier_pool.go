package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrPoolFull is returned by Put when the pool already holds its maximum
// number of entries. Callers make room before inserting.
var ErrPoolFull = errors.New("storage: pool is full")

// PressureLevel classifies how close a pool is to its limits.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
	PressurePanic
)

func (l PressureLevel) String() string {
	switch l {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressurePanic:
		return "panic"
	default:
		return "normal"
	}
}

type entry[V any] struct {
	value V
	size  int64
}

// TierPool holds the entries of one storage tier with a hard entry-count cap
// and a soft byte budget. Pressure is the larger of count/cap and
// bytes/budget; handlers fire asynchronously when pressure rises into a
// higher level.
type TierPool[V any] struct {
	name       string
	maxEntries int
	budget     int64 // 0 disables byte pressure

	mu      sync.RWMutex
	entries map[string]entry[V]
	bytes   int64

	warningThreshold  float64
	criticalThreshold float64
	panicThreshold    float64
	level             PressureLevel
	onPressure        func(PressureLevel, float64)

	totalPuts    int64
	totalRemoves int64
	rejected     int64
	peakBytes    int64
	lastChange   time.Time
}

// NewTierPool creates a pool holding at most maxEntries entries.
func NewTierPool[V any](name string, maxEntries int, budget int64) *TierPool[V] {
	return &TierPool[V]{
		name:              name,
		maxEntries:        maxEntries,
		budget:            budget,
		entries:           make(map[string]entry[V], maxEntries),
		warningThreshold:  0.85,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
		lastChange:        time.Now(),
	}
}

// Put inserts or replaces id. Replacing never fails; a new id fails with
// ErrPoolFull when the pool is at capacity.
func (p *TierPool[V]) Put(id string, value V, size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid entry size: %d", size)
	}

	p.mu.Lock()
	old, exists := p.entries[id]
	if !exists && len(p.entries) >= p.maxEntries {
		p.rejected++
		p.mu.Unlock()
		return fmt.Errorf("%w: %s holds %d entries", ErrPoolFull, p.name, p.maxEntries)
	}
	if exists {
		p.bytes -= old.size
	}
	p.entries[id] = entry[V]{value: value, size: size}
	p.bytes += size
	if p.bytes > p.peakBytes {
		p.peakBytes = p.bytes
	}
	p.totalPuts++
	p.lastChange = time.Now()
	level, pressure, fire := p.updateLevelLocked()
	handler := p.onPressure
	p.mu.Unlock()

	if fire && handler != nil {
		go handler(level, pressure)
	}
	return nil
}

func (p *TierPool[V]) Get(id string) (V, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	return e.value, ok
}

func (p *TierPool[V]) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

// Remove deletes id and returns its value and accounted size.
func (p *TierPool[V]) Remove(id string) (V, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		var zero V
		return zero, 0, false
	}
	delete(p.entries, id)
	p.bytes -= e.size
	p.totalRemoves++
	p.lastChange = time.Now()
	p.updateLevelLocked()
	return e.value, e.size, true
}

func (p *TierPool[V]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Bytes is the sum of accounted entry sizes.
func (p *TierPool[V]) Bytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bytes
}

func (p *TierPool[V]) MaxEntries() int { return p.maxEntries }

// Full reports whether a new id would be rejected.
func (p *TierPool[V]) Full() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries) >= p.maxEntries
}

// IDs returns the resident ids in sorted order.
func (p *TierPool[V]) IDs() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Pressure returns the current pressure in [0, 1+].
func (p *TierPool[V]) Pressure() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pressureLocked()
}

func (p *TierPool[V]) pressureLocked() float64 {
	var pressure float64
	if p.maxEntries > 0 {
		pressure = float64(len(p.entries)) / float64(p.maxEntries)
	} else if len(p.entries) > 0 {
		pressure = 1
	}
	if p.budget > 0 {
		if b := float64(p.bytes) / float64(p.budget); b > pressure {
			pressure = b
		}
	}
	return pressure
}

// updateLevelLocked recomputes the pressure level and reports whether it
// rose since the last update.
func (p *TierPool[V]) updateLevelLocked() (PressureLevel, float64, bool) {
	pressure := p.pressureLocked()
	level := PressureNormal
	switch {
	case pressure >= p.panicThreshold:
		level = PressurePanic
	case pressure >= p.criticalThreshold:
		level = PressureCritical
	case pressure >= p.warningThreshold:
		level = PressureWarning
	}
	rose := level > p.level
	p.level = level
	return level, pressure, rose
}

// SetPressureThresholds allows customization of pressure detection levels
func (p *TierPool[V]) SetPressureThresholds(warning, critical, panic float64) error {
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 || panic < 0 || panic > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if warning >= critical || critical >= panic {
		return fmt.Errorf("thresholds must be ordered: warning < critical < panic")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.warningThreshold = warning
	p.criticalThreshold = critical
	p.panicThreshold = panic
	return nil
}

// SetPressureHandler installs the callback run when pressure rises into a
// higher level. It runs on its own goroutine.
func (p *TierPool[V]) SetPressureHandler(fn func(PressureLevel, float64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPressure = fn
}

// PoolStats is a snapshot of a pool's accounting.
type PoolStats struct {
	Name       string    `json:"name"`
	Entries    int       `json:"entries"`
	MaxEntries int       `json:"max_entries"`
	Bytes      int64     `json:"bytes"`
	PeakBytes  int64     `json:"peak_bytes"`
	Budget     int64     `json:"budget"`
	Pressure   float64   `json:"pressure"`
	Level      string    `json:"level"`
	Puts       int64     `json:"puts"`
	Removes    int64     `json:"removes"`
	Rejected   int64     `json:"rejected"`
	LastChange time.Time `json:"last_change"`
}

func (p *TierPool[V]) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Name:       p.name,
		Entries:    len(p.entries),
		MaxEntries: p.maxEntries,
		Bytes:      p.bytes,
		PeakBytes:  p.peakBytes,
		Budget:     p.budget,
		Pressure:   p.pressureLocked(),
		Level:      p.level.String(),
		Puts:       p.totalPuts,
		Removes:    p.totalRemoves,
		Rejected:   p.rejected,
		LastChange: p.lastChange,
	}
}

func (p *TierPool[V]) Name() string {
	return p.name
}
