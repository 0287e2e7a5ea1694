package cache

import (
	"errors"
	"fmt"
	"time"

	"tilestream/internal/storage"
)

var (
	// ErrNotResident is returned when a resource has no usable device copy
	// and the requested priority does not allow a cold load.
	ErrNotResident = errors.New("cache: resource not resident")
	// ErrLoadFailed wraps backing-store and upload failures. The request may
	// be retried on a later pass.
	ErrLoadFailed = errors.New("cache: load failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)

// Tier is where a resource's bytes currently live.
type Tier int

const (
	TierBacking Tier = iota
	TierHost
	TierDevice
)

func (t Tier) String() string {
	switch t {
	case TierDevice:
		return "device"
	case TierHost:
		return "host"
	default:
		return "backing"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "device":
		*t = TierDevice
	case "host":
		*t = TierHost
	case "backing":
		*t = TierBacking
	default:
		return fmt.Errorf("unknown tier %q", b)
	}
	return nil
}

// LoadPriority orders requests: Immediate > Preload > Cache.
type LoadPriority int

const (
	PriorityCache LoadPriority = iota
	PriorityPreload
	PriorityImmediate
)

func (p LoadPriority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityPreload:
		return "preload"
	default:
		return "cache"
	}
}

func (p LoadPriority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *LoadPriority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "immediate":
		*p = PriorityImmediate
	case "preload":
		*p = PriorityPreload
	case "cache":
		*p = PriorityCache
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// ResourceRecord is the cache's bookkeeping for one id.
type ResourceRecord struct {
	ID       string    `json:"id"`
	Tier     Tier      `json:"tier"`
	LastUsed time.Time `json:"last_used"`
	Loading  bool      `json:"loading"`
	Size     int64     `json:"size"` // device footprint in bytes; the unit of both tier budgets
}

// Clock supplies the time used for LastUsed and idle cleanup.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Stats is a snapshot of cache state and lifetime counters.
type Stats struct {
	DeviceEntries int   `json:"device_entries"`
	HostEntries   int   `json:"host_entries"`
	Records       int   `json:"records"`
	Ordered       int   `json:"ordered"`
	Loading       int   `json:"loading"`
	DeviceBytes   int64 `json:"device_bytes"`
	HostBytes     int64 `json:"host_bytes"`

	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Promotions   int64 `json:"promotions"`
	Evictions    int64 `json:"evictions"`  // device -> host demotions
	HostDrops    int64 `json:"host_drops"` // host -> backing
	Loads        int64 `json:"loads"`
	LoadFailures int64 `json:"load_failures"`
	Coalesced    int64 `json:"coalesced"` // requests that joined an in-flight load
	Cleaned      int64 `json:"cleaned"`

	Device storage.PoolStats `json:"device"`
	Host   storage.PoolStats `json:"host"`
}

// WarmEntry is a resident resource exported for the warm snapshot.
type WarmEntry struct {
	ID       string
	Tier     Tier
	Payload  []byte
	Size     int64
	LastUsed time.Time
}
