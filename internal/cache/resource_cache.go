// Package cache implements the tiered texture cache. A resource lives in
// exactly one of three tiers: Device (drawable, small), Host (encoded bytes,
// larger) or Backing (the store, unbounded). The cache keeps both bounded
// tiers within their entry caps by demoting the least important Device
// resident to Host and dropping the least important Host resident to
// Backing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tilestream/internal/backing"
	"tilestream/internal/device"
	"tilestream/internal/logging"
	"tilestream/internal/procedural"
	"tilestream/internal/storage"
)

// DefaultIdleTimeout is how long a resource may go unused before
// CleanupUnused purges it.
const DefaultIdleTimeout = 30 * time.Second

// Options bounds the cache.
type Options struct {
	MaxDeviceResources int
	MaxHostResources   int   // 0 sends demoted resources straight to Backing
	DeviceBudget       int64 // soft byte budgets; only drive pressure reporting
	HostBudget         int64
	IdleTimeout        time.Duration
	Clock              Clock
}

// ResourceCache owns the Device and Host tiers, the priority ordering and the
// record table. All state is guarded by one mutex; backing loads and the
// uploads that follow them run outside it.
type ResourceCache struct {
	dev   device.Device
	store backing.Store
	opts  Options
	clock Clock

	mu           sync.Mutex
	device       *storage.TierPool[*device.Texture]
	host         *storage.TierPool[[]byte]
	order        *PriorityOrder
	records      map[string]*ResourceRecord
	placeholders []*device.Texture
	closed       bool

	loads singleflight.Group

	hits         int64
	misses       int64
	promotions   int64
	evictions    int64
	hostDrops    int64
	loadCount    int64
	loadFailures int64
	coalesced    int64
	cleaned      int64
}

// New creates a cache. The placeholder textures are uploaded from gen.
func New(dev device.Device, store backing.Store, gen *procedural.Generator, opts Options) (*ResourceCache, error) {
	if opts.MaxDeviceResources < 1 {
		return nil, fmt.Errorf("max device resources must be >= 1, got %d", opts.MaxDeviceResources)
	}
	if opts.MaxHostResources < 0 {
		return nil, fmt.Errorf("max host resources must be >= 0, got %d", opts.MaxHostResources)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	c := &ResourceCache{
		dev:     dev,
		store:   store,
		opts:    opts,
		clock:   opts.Clock,
		device:  storage.NewTierPool[*device.Texture]("device", opts.MaxDeviceResources, opts.DeviceBudget),
		host:    storage.NewTierPool[[]byte]("host", opts.MaxHostResources, opts.HostBudget),
		order:   NewPriorityOrder(),
		records: make(map[string]*ResourceRecord),
	}

	for i := 0; i < procedural.PatternCount; i++ {
		raw, err := gen.Payload(i)
		if err != nil {
			return nil, fmt.Errorf("placeholder %d: %w", i, err)
		}
		tex, err := dev.Upload(raw)
		if err != nil {
			return nil, fmt.Errorf("placeholder %d: %w", i, err)
		}
		c.placeholders = append(c.placeholders, tex)
	}

	onPressure := func(tier string) func(storage.PressureLevel, float64) {
		return func(level storage.PressureLevel, pressure float64) {
			logging.Warn(context.Background(), logging.ComponentStorage, logging.ActionPressure, "tier pressure rising", logging.Fields{
				"tier":     tier,
				"level":    level.String(),
				"pressure": pressure,
			})
		}
	}
	c.device.SetPressureHandler(onPressure("device"))
	c.host.SetPressureHandler(onPressure("host"))

	return c, nil
}

// EnsureLoaded returns a device handle for id, loading or promoting it as
// the priority allows. The caller owns the returned handle and releases it.
//
// A Device hit re-ranks and returns immediately. A Host hit is promoted for
// Immediate and Preload. A cold id is loaded from the backing store only for
// Immediate; every other miss returns ErrNotResident.
func (c *ResourceCache) EnsureLoaded(ctx context.Context, id string, priority LoadPriority) (*device.Texture, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	now := c.clock.Now()
	rec := c.records[id]
	if rec != nil {
		rec.LastUsed = now
	}

	if tex, ok := c.device.Get(id); ok {
		c.order.Rank(id, priority)
		c.hits++
		out := tex.Clone()
		c.mu.Unlock()
		return out, nil
	}

	if priority >= PriorityPreload && c.host.Has(id) {
		tex, err := c.promoteLocked(ctx, id, priority)
		c.mu.Unlock()
		return tex, err
	}

	c.misses++
	if priority != PriorityImmediate {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotResident, id)
	}

	if rec == nil {
		rec = &ResourceRecord{ID: id, Tier: TierBacking, LastUsed: now}
		c.records[id] = rec
	}
	if rec.Loading {
		c.coalesced++
	}
	rec.Loading = true
	c.mu.Unlock()

	return c.coldLoad(ctx, id)
}

// promoteLocked moves id from Host to Device. The Host copy is removed
// before any eviction so the demotion that makes room cannot pick it.
func (c *ResourceCache) promoteLocked(ctx context.Context, id string, priority LoadPriority) (*device.Texture, error) {
	rec := c.records[id]
	raw, size, _ := c.host.Remove(id)

	tex, err := c.dev.Upload(raw)
	if err != nil {
		c.order.Remove(id)
		rec.Tier = TierBacking
		c.loadFailures++
		logging.Warn(ctx, logging.ComponentCache, logging.ActionPromote, "host payload rejected by device", logging.Fields{
			"id":    id,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, id, err)
	}

	if c.device.Full() {
		c.evictLocked(ctx)
	}
	if err := c.device.Put(id, tex, size); err != nil {
		// unreachable: eviction always frees a slot when Device is full
		tex.Release()
		return nil, err
	}
	rec.Tier = TierDevice
	rec.Size = size
	c.order.Rank(id, priority)
	c.promotions++

	logging.Debug(ctx, logging.ComponentCache, logging.ActionPromote, "promoted to device", logging.Fields{
		"id":       id,
		"priority": priority.String(),
	})
	return tex.Clone(), nil
}

// coldLoad runs at most one backing load per id. Later callers for the same
// id join the flight; the first caller's context governs the load itself
// while each caller may stop waiting on its own context.
func (c *ResourceCache) coldLoad(ctx context.Context, id string) (*device.Texture, error) {
	for attempt := 0; ; attempt++ {
		ch := c.loads.DoChan(id, func() (interface{}, error) {
			return c.loadAndInsert(ctx, id)
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, id, ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				tex := res.Val.(*device.Texture)
				c.mu.Lock()
				out := tex.Clone()
				c.mu.Unlock()
				return out, nil
			}
			// joined a flight whose owner was cancelled; run our own
			if attempt == 0 && res.Shared && ctx.Err() == nil && isContextErr(res.Err) && c.markLoading(id) {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, id, res.Err)
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// markLoading re-arms the loading flag before a retried flight. It reports
// false once the cache is closed.
func (c *ResourceCache) markLoading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	rec := c.records[id]
	if rec == nil {
		rec = &ResourceRecord{ID: id, Tier: TierBacking, LastUsed: c.clock.Now()}
		c.records[id] = rec
	}
	rec.Loading = true
	return true
}

func (c *ResourceCache) loadAndInsert(ctx context.Context, id string) (*device.Texture, error) {
	start := time.Now()
	raw, err := c.store.Load(ctx, id)
	var tex *device.Texture
	if err == nil {
		tex, err = c.dev.Upload(raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.records[id]
	if err != nil {
		if rec != nil {
			rec.Loading = false
		}
		c.loadFailures++
		logging.Warn(ctx, logging.ComponentCache, logging.ActionLoad, "backing load failed", logging.Fields{
			"id":    id,
			"error": err.Error(),
		})
		return nil, err
	}
	if c.closed {
		tex.Release()
		return nil, ErrClosed
	}
	if rec == nil {
		rec = &ResourceRecord{ID: id}
		c.records[id] = rec
	}

	// an earlier flight for id finished between the caller's check and this
	// flight starting
	if resident, ok := c.device.Get(id); ok {
		tex.Release()
		rec.Loading = false
		rec.LastUsed = c.clock.Now()
		c.order.MoveToFront(id)
		return resident, nil
	}

	// a warm import may have placed a Host copy while the load was in flight
	c.host.Remove(id)

	if c.device.Full() {
		c.evictLocked(ctx)
	}
	size := tex.Footprint()
	if err := c.device.Put(id, tex, size); err != nil {
		tex.Release()
		rec.Loading = false
		return nil, err
	}
	rec.Tier = TierDevice
	rec.Size = size
	rec.Loading = false
	rec.LastUsed = c.clock.Now()
	c.order.MoveToFront(id)
	c.loadCount++

	logging.WithDuration(ctx, logging.DEBUG, logging.ComponentCache, logging.ActionLoad, "loaded from backing", time.Since(start), logging.Fields{
		"id":   id,
		"size": size,
	})
	return tex, nil
}

// EvictLeastImportant demotes the back-most Device resident to Host. It is a
// no-op when nothing on the Device can be evicted.
func (c *ResourceCache) EvictLeastImportant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(context.Background())
}

func (c *ResourceCache) stale(id string) bool {
	return !c.device.Has(id) && !c.host.Has(id)
}

func (c *ResourceCache) evictLocked(ctx context.Context) bool {
	id, ok := c.order.FindBack(c.device.Has, c.stale)
	if !ok {
		return false
	}

	tex, size, _ := c.device.Remove(id)
	raw, err := c.dev.Readback(tex)
	tex.Release()
	rec := c.records[id]

	if err != nil || c.opts.MaxHostResources == 0 {
		if err != nil {
			logging.Warn(ctx, logging.ComponentCache, logging.ActionEvict, "readback failed, dropping to backing", logging.Fields{
				"id":    id,
				"error": err.Error(),
			})
		}
		c.order.Remove(id)
		rec.Tier = TierBacking
		c.evictions++
		c.hostDrops++
		return true
	}

	for c.host.Full() {
		victim, ok := c.order.FindBack(c.host.Has, c.stale)
		if !ok {
			// every Host resident is ordered, so this only guards the loop
			victim = c.host.IDs()[0]
		}
		c.dropHostLocked(victim)
	}

	if err := c.host.Put(id, raw, size); err != nil {
		c.order.Remove(id)
		rec.Tier = TierBacking
		c.hostDrops++
		return true
	}
	rec.Tier = TierHost
	c.order.MoveToBack(id)
	c.evictions++

	logging.Debug(ctx, logging.ComponentCache, logging.ActionDemote, "demoted to host", logging.Fields{
		"id": id,
	})
	return true
}

func (c *ResourceCache) dropHostLocked(id string) {
	c.host.Remove(id)
	c.order.Remove(id)
	if rec := c.records[id]; rec != nil {
		rec.Tier = TierBacking
	}
	c.hostDrops++
}

// CleanupUnused purges every resource idle for at least the idle timeout,
// whatever its tier, and drops tier entries that have no record. Resources
// with a load in flight are kept. It returns the number of ids purged.
func (c *ResourceCache) CleanupUnused() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	purged := 0
	for id, rec := range c.records {
		if rec.Loading || now.Sub(rec.LastUsed) < c.opts.IdleTimeout {
			continue
		}
		c.purgeLocked(id)
		delete(c.records, id)
		purged++
	}

	for _, id := range c.device.IDs() {
		if _, ok := c.records[id]; !ok {
			c.purgeLocked(id)
			purged++
		}
	}
	for _, id := range c.host.IDs() {
		if _, ok := c.records[id]; !ok {
			c.purgeLocked(id)
			purged++
		}
	}

	c.cleaned += int64(purged)
	if purged > 0 {
		logging.Debug(context.Background(), logging.ComponentCache, logging.ActionCleanup, "purged idle resources", logging.Fields{
			"purged": purged,
		})
	}
	return purged
}

func (c *ResourceCache) purgeLocked(id string) {
	if tex, _, ok := c.device.Remove(id); ok {
		tex.Release()
	}
	c.host.Remove(id)
	c.order.Remove(id)
}

// TextureForWorldPos returns the placeholder drawn at tile (x, y). It never
// loads. The handle is owned by the cache and must not be released.
func (c *ResourceCache) TextureForWorldPos(x, y int) *device.Texture {
	return c.placeholders[(absMod(x, len(c.placeholders))+absMod(y, len(c.placeholders)))%len(c.placeholders)]
}

func absMod(v, n int) int {
	m := v % n
	if m < 0 {
		m = -m
	}
	return m
}

// MemoryStats returns the bytes accounted to the Device and Host tiers.
func (c *ResourceCache) MemoryStats() (deviceBytes, hostBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device.Bytes(), c.host.Bytes()
}

// Lookup returns the Device handle for id without loading, re-ranking or
// touching LastUsed.
func (c *ResourceCache) Lookup(id string) (*device.Texture, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tex, ok := c.device.Get(id)
	if !ok {
		return nil, false
	}
	return tex.Clone(), true
}

// Record returns a copy of id's record.
func (c *ResourceCache) Record(id string) (ResourceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return ResourceRecord{}, false
	}
	return *rec, true
}

// Order returns the priority ordering, front to back.
func (c *ResourceCache) Order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.IDs()
}

// Stats returns current tier occupancy and lifetime counters.
func (c *ResourceCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	loading := 0
	for _, rec := range c.records {
		if rec.Loading {
			loading++
		}
	}
	return Stats{
		DeviceEntries: c.device.Len(),
		HostEntries:   c.host.Len(),
		Records:       len(c.records),
		Ordered:       c.order.Len(),
		Loading:       loading,
		DeviceBytes:   c.device.Bytes(),
		HostBytes:     c.host.Bytes(),
		Hits:          c.hits,
		Misses:        c.misses,
		Promotions:    c.promotions,
		Evictions:     c.evictions,
		HostDrops:     c.hostDrops,
		Loads:         c.loadCount,
		LoadFailures:  c.loadFailures,
		Coalesced:     c.coalesced,
		Cleaned:       c.cleaned,
		Device:        c.device.Stats(),
		Host:          c.host.Stats(),
	}
}

// ExportWarm returns every Device and Host resident with its encoded
// payload, most recently used first. Device residents are read back.
func (c *ResourceCache) ExportWarm() ([]WarmEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]WarmEntry, 0, c.device.Len()+c.host.Len())
	for _, id := range c.device.IDs() {
		tex, _ := c.device.Get(id)
		raw, err := c.dev.Readback(tex)
		if err != nil {
			return nil, fmt.Errorf("readback %s: %w", id, err)
		}
		rec := c.records[id]
		entries = append(entries, WarmEntry{ID: id, Tier: TierDevice, Payload: raw, Size: rec.Size, LastUsed: rec.LastUsed})
	}
	for _, id := range c.host.IDs() {
		raw, _ := c.host.Get(id)
		rec := c.records[id]
		entries = append(entries, WarmEntry{ID: id, Tier: TierHost, Payload: raw, Size: rec.Size, LastUsed: rec.LastUsed})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUsed.After(entries[j].LastUsed)
	})
	return entries, nil
}

// ImportWarm places entries into the Host tier in the given order until it
// is full. Ids the cache already tracks are skipped. Imported ids join the
// back of the ordering and count as used now. It returns how many were
// imported.
func (c *ResourceCache) ImportWarm(entries []WarmEntry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	imported := 0
	for _, e := range entries {
		if c.host.Full() {
			break
		}
		if _, tracked := c.records[e.ID]; tracked {
			continue
		}
		if err := c.host.Put(e.ID, e.Payload, e.Size); err != nil {
			break
		}
		c.records[e.ID] = &ResourceRecord{ID: e.ID, Tier: TierHost, LastUsed: now, Size: e.Size}
		c.order.MoveToBack(e.ID)
		imported++
	}
	return imported
}

// Close releases every Device handle. Later calls return ErrClosed.
func (c *ResourceCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, id := range c.device.IDs() {
		if tex, _, ok := c.device.Remove(id); ok {
			tex.Release()
		}
	}
	for _, tex := range c.placeholders {
		tex.Release()
	}
	return nil
}
