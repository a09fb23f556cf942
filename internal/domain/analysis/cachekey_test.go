package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeKeyDeterministic(t *testing.T) {
	a := ComputeKey("abc123", "sales", "2024-06-01", "discovery_quality")
	b := ComputeKey("abc123", "sales", "2024-06-01", "discovery_quality")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "coach:score:v1:"))
}

func TestComputeKeySensitiveToEveryComponent(t *testing.T) {
	base := ComputeKey("abc123", "sales", "2024-06-01", "discovery_quality")
	assert.NotEqual(t, base, ComputeKey("abc124", "sales", "2024-06-01", "discovery_quality"))
	assert.NotEqual(t, base, ComputeKey("abc123", "support", "2024-06-01", "discovery_quality"))
	assert.NotEqual(t, base, ComputeKey("abc123", "sales", "2024-07-01", "discovery_quality"))
	assert.NotEqual(t, base, ComputeKey("abc123", "sales", "2024-06-01", "rapport"))
}

func TestComputeKeyFieldBoundariesUnambiguous(t *testing.T) {
	// concatenation across field edges must not collide
	a := ComputeKey("ab", "csales", "v1", "d")
	b := ComputeKey("abc", "sales", "v1", "d")
	assert.NotEqual(t, a, b)
}

func TestCanonicalDimensionsSortsAndDedupes(t *testing.T) {
	got := CanonicalDimensions([]string{"rapport", "next_steps", "rapport", "", "discovery_quality"})
	assert.Equal(t, []string{"discovery_quality", "next_steps", "rapport"}, got)
}

func TestCanonicalDimensionsOrderIndependent(t *testing.T) {
	a := CanonicalDimensions([]string{"b", "a", "c"})
	b := CanonicalDimensions([]string{"c", "b", "a", "b"})
	assert.Equal(t, a, b)
}

func TestAggregate(t *testing.T) {
	ok := DimensionResult{Status: DimensionComputed}
	hit := DimensionResult{Status: DimensionCacheHit}
	bad := DimensionResult{Status: DimensionFailed}

	assert.Equal(t, RunCompleted, Aggregate([]DimensionResult{ok, hit}))
	assert.Equal(t, RunCompletedWithErrors, Aggregate([]DimensionResult{ok, bad}))
	assert.Equal(t, RunFailed, Aggregate([]DimensionResult{bad, bad}))
	assert.Equal(t, RunFailed, Aggregate(nil))
}
