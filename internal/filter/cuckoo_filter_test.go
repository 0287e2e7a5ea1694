package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCuckooFilter_BasicOperations(t *testing.T) {
	cf, err := NewCuckooFilter(DefaultConfig("tiles", 1000))
	require.NoError(t, err)

	require.NoError(t, cf.Add("chunk_0_0"))
	require.NoError(t, cf.Add("chunk_3_-2"))

	assert.True(t, cf.Contains("chunk_0_0"))
	assert.True(t, cf.Contains("chunk_3_-2"))
	assert.Equal(t, uint64(2), cf.Len())

	assert.True(t, cf.Delete("chunk_0_0"))
	assert.False(t, cf.Contains("chunk_0_0"))
	assert.Equal(t, uint64(1), cf.Len())

	cf.Reset()
	assert.Equal(t, uint64(0), cf.Len())
	assert.False(t, cf.Contains("chunk_3_-2"))
}

func TestCuckooFilter_InvalidInput(t *testing.T) {
	_, err := NewCuckooFilter(Config{Name: "bad"})
	assert.Error(t, err)

	_, err = NewCuckooFilter(Config{Name: "bad", ExpectedItems: 10, FalsePositiveRate: 2})
	assert.Error(t, err)

	cf, err := NewCuckooFilter(DefaultConfig("tiles", 10))
	require.NoError(t, err)
	assert.ErrorIs(t, cf.Add(""), ErrInvalidKey)
	assert.False(t, cf.Contains(""))
	assert.False(t, cf.Delete(""))
}

func TestCuckooFilter_NoFalseNegatives(t *testing.T) {
	const n = 5000
	cf, err := NewCuckooFilter(DefaultConfig("tiles", n))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, cf.Add(fmt.Sprintf("chunk_%d_%d", i, -i)))
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("chunk_%d_%d", i, -i)
		if !cf.Contains(id) {
			t.Fatalf("false negative for %s", id)
		}
	}
}

func TestCuckooFilter_FalsePositiveRate(t *testing.T) {
	const n = 10000
	cf, err := NewCuckooFilter(DefaultConfig("tiles", n))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, cf.Add(fmt.Sprintf("chunk_%d_0", i)))
	}

	falsePositives := 0
	for i := 0; i < n; i++ {
		if cf.Contains(fmt.Sprintf("chunk_0_%d", i+1)) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / n
	if rate > 0.01 {
		t.Errorf("false positive rate %.4f exceeds 1%%", rate)
	}

	stats := cf.Stats()
	assert.Equal(t, uint64(n), stats.Size)
	assert.Equal(t, uint64(n), stats.Lookups)
	assert.Equal(t, uint64(n-falsePositives), stats.Negatives)
}

func TestCuckooFilter_FullKeepsExistingKeys(t *testing.T) {
	cf, err := NewCuckooFilter(Config{Name: "tiny", ExpectedItems: 4, FingerprintBits: 16, MaxKicks: 8})
	require.NoError(t, err)

	var added []string
	var full bool
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("chunk_%d_%d", i, i)
		if err := cf.Add(id); err != nil {
			assert.ErrorIs(t, err, ErrFilterFull)
			full = true
			break
		}
		added = append(added, id)
	}
	require.True(t, full, "tiny filter should fill up")

	for _, id := range added {
		assert.True(t, cf.Contains(id), "lost %s after filling", id)
	}

	require.True(t, cf.Delete(added[0]))
	for _, id := range added[1:] {
		assert.True(t, cf.Contains(id), "lost %s after delete", id)
	}
}
