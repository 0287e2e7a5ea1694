package filter

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const slotsPerBucket = 4

// bucket holds up to four 16-bit fingerprints; zero marks an empty slot.
type bucket [slotsPerBucket]uint16

// CuckooFilter is a cuckoo filter over string keys. When an insertion's kick
// chain runs out, the homeless fingerprint is parked in a one-entry victim
// stash so no previously added key is lost; the filter reports full until
// the stash is cleared by a delete or reset.
type CuckooFilter struct {
	name     string
	buckets  []bucket
	mask     uint64 // len(buckets)-1
	fpMask   uint32
	fpBits   uint8
	maxKicks uint32
	capacity uint64

	mu     sync.RWMutex
	size   uint64
	victim struct {
		used   bool
		index  uint64
		finger uint16
	}

	lookups    uint64
	negatives  uint64
	failedAdds uint64
	kicks      uint64
	createdAt  time.Time
}

// NewCuckooFilter creates a filter sized for cfg.ExpectedItems.
func NewCuckooFilter(cfg Config) (*CuckooFilter, error) {
	if cfg.ExpectedItems == 0 {
		return nil, &Error{Op: "create", Message: "expected_items must be greater than 0"}
	}
	if cfg.FingerprintBits == 0 {
		if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
			return nil, &Error{Op: "create", Message: "false_positive_rate must be between 0 and 1"}
		}
		cfg.FingerprintBits = fingerprintBitsFor(cfg.FalsePositiveRate)
	}
	if cfg.FingerprintBits > 16 {
		cfg.FingerprintBits = 16
	}
	if cfg.MaxKicks == 0 {
		cfg.MaxKicks = 500
	}

	const loadFactor = 0.85
	numBuckets := nextPowerOfTwo(uint64(math.Ceil(float64(cfg.ExpectedItems) / (slotsPerBucket * loadFactor))))

	return &CuckooFilter{
		name:      cfg.Name,
		buckets:   make([]bucket, numBuckets),
		mask:      numBuckets - 1,
		fpMask:    (1 << cfg.FingerprintBits) - 1,
		fpBits:    cfg.FingerprintBits,
		maxKicks:  cfg.MaxKicks,
		capacity:  uint64(float64(numBuckets) * slotsPerBucket * loadFactor),
		createdAt: time.Now(),
	}, nil
}

func (cf *CuckooFilter) locate(key string) (fp uint16, i1, i2 uint64) {
	h := xxhash.Sum64String(key)
	f := (uint32(h>>32) ^ uint32(h)) & cf.fpMask
	if f == 0 {
		f = 1
	}
	fp = uint16(f)
	i1 = h & cf.mask
	i2 = cf.altIndex(i1, fp)
	return fp, i1, i2
}

// altIndex is an involution: altIndex(altIndex(i, fp), fp) == i.
func (cf *CuckooFilter) altIndex(i uint64, fp uint16) uint64 {
	h := uint64(fp)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return (i ^ h) & cf.mask
}

func (cf *CuckooFilter) Add(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	fp, i1, i2 := cf.locate(key)

	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.victim.used {
		cf.failedAdds++
		return ErrFilterFull
	}
	if cf.buckets[i1].insert(fp) || cf.buckets[i2].insert(fp) {
		cf.size++
		return nil
	}

	i := i1
	if rand.IntN(2) == 1 {
		i = i2
	}
	for n := uint32(0); n < cf.maxKicks; n++ {
		slot := rand.IntN(slotsPerBucket)
		fp, cf.buckets[i][slot] = cf.buckets[i][slot], fp
		cf.kicks++
		i = cf.altIndex(i, fp)
		if cf.buckets[i].insert(fp) {
			cf.size++
			return nil
		}
	}

	// the new key is in the table; fp is the displaced one
	cf.victim.used = true
	cf.victim.index = i
	cf.victim.finger = fp
	cf.size++
	return nil
}

func (cf *CuckooFilter) Contains(key string) bool {
	if key == "" {
		return false
	}
	fp, i1, i2 := cf.locate(key)

	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.lookups++
	found := cf.buckets[i1].has(fp) || cf.buckets[i2].has(fp) ||
		(cf.victim.used && cf.victim.finger == fp &&
			(cf.victim.index == i1 || cf.victim.index == i2))
	if !found {
		cf.negatives++
	}
	return found
}

func (cf *CuckooFilter) Delete(key string) bool {
	if key == "" {
		return false
	}
	fp, i1, i2 := cf.locate(key)

	cf.mu.Lock()
	defer cf.mu.Unlock()

	if cf.buckets[i1].remove(fp) || cf.buckets[i2].remove(fp) {
		cf.size--
		cf.reinsertVictim()
		return true
	}
	if cf.victim.used && cf.victim.finger == fp && (cf.victim.index == i1 || cf.victim.index == i2) {
		cf.victim.used = false
		cf.size--
		return true
	}
	return false
}

// reinsertVictim moves a stashed fingerprint back into the table if a slot
// in either of its buckets has opened up.
func (cf *CuckooFilter) reinsertVictim() {
	if !cf.victim.used {
		return
	}
	fp, i := cf.victim.finger, cf.victim.index
	if cf.buckets[i].insert(fp) || cf.buckets[cf.altIndex(i, fp)].insert(fp) {
		cf.victim.used = false
	}
}

func (cf *CuckooFilter) Reset() {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	clear(cf.buckets)
	cf.victim.used = false
	cf.size = 0
}

func (cf *CuckooFilter) Len() uint64 {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.size
}

func (cf *CuckooFilter) Capacity() uint64 {
	return cf.capacity
}

// FalsePositiveRate is the theoretical rate, 2*slots / 2^bits.
func (cf *CuckooFilter) FalsePositiveRate() float64 {
	return 2 * slotsPerBucket / math.Pow(2, float64(cf.fpBits))
}

func (cf *CuckooFilter) Stats() Stats {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	return Stats{
		Name:              cf.name,
		Size:              cf.size,
		Capacity:          cf.capacity,
		LoadFactor:        float64(cf.size) / float64(cf.capacity),
		MemoryUsage:       uint64(len(cf.buckets)) * slotsPerBucket * 2,
		FalsePositiveRate: cf.FalsePositiveRate(),
		Lookups:           cf.lookups,
		Negatives:         cf.negatives,
		FailedAdds:        cf.failedAdds,
		Kicks:             cf.kicks,
		CreatedAt:         cf.createdAt,
	}
}

func (b *bucket) insert(fp uint16) bool {
	for i := range b {
		if b[i] == 0 {
			b[i] = fp
			return true
		}
	}
	return false
}

func (b *bucket) has(fp uint16) bool {
	for i := range b {
		if b[i] == fp {
			return true
		}
	}
	return false
}

func (b *bucket) remove(fp uint16) bool {
	for i := range b {
		if b[i] == fp {
			b[i] = 0
			return true
		}
	}
	return false
}

// fingerprintBitsFor picks the fingerprint width for a target rate:
// rate ≈ 2*slots / 2^bits.
func fingerprintBitsFor(rate float64) uint8 {
	return uint8(math.Ceil(math.Log2(2 * slotsPerBucket / rate)))
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
