// Package filter provides probabilistic membership filters used to answer
// "definitely not stored" without touching the backing store.
package filter

import (
	"fmt"
	"time"
)

// KeyFilter is a probabilistic set of resource ids. Implementations never
// report a false negative for a key that was added and not deleted; they may
// report false positives.
type KeyFilter interface {
	// Add inserts a key. Returns ErrFilterFull if the key cannot be placed.
	Add(key string) error

	// Contains reports whether key might be present.
	Contains(key string) bool

	// Delete removes one occurrence of key. Deleting a key that was never
	// added may remove a colliding key, so callers only delete what they added.
	Delete(key string) bool

	// Reset empties the filter.
	Reset()

	Len() uint64
	Capacity() uint64
	Stats() Stats
}

// Stats is a point-in-time view of filter state and counters.
type Stats struct {
	Name              string    `json:"name"`
	Size              uint64    `json:"size"`
	Capacity          uint64    `json:"capacity"`
	LoadFactor        float64   `json:"load_factor"`
	MemoryUsage       uint64    `json:"memory_usage"`
	FalsePositiveRate float64   `json:"false_positive_rate"`
	Lookups           uint64    `json:"lookups"`
	Negatives         uint64    `json:"negatives"` // lookups answered "absent"
	FailedAdds        uint64    `json:"failed_adds"`
	Kicks             uint64    `json:"kicks"`
	CreatedAt         time.Time `json:"created_at"`
}

// Config parameterizes a cuckoo filter.
type Config struct {
	Name              string  `yaml:"name"`
	ExpectedItems     uint64  `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	FingerprintBits   uint8   `yaml:"fingerprint_bits"` // 0 derives from FalsePositiveRate
	MaxKicks          uint32  `yaml:"max_kicks"`
}

// DefaultConfig sizes a filter for expectedItems resource ids at a 0.1%
// false positive rate.
func DefaultConfig(name string, expectedItems uint64) Config {
	return Config{
		Name:              name,
		ExpectedItems:     expectedItems,
		FalsePositiveRate: 0.001,
		MaxKicks:          500,
	}
}

// Error reports a failed filter operation.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("filter %s: %s", e.Op, e.Message)
}

var (
	ErrFilterFull    = &Error{Op: "add", Message: "filter is full"}
	ErrInvalidKey    = &Error{Op: "add", Message: "key cannot be empty"}
	ErrConfigInvalid = &Error{Op: "create", Message: "invalid configuration"}
)
