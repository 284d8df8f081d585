package hasher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum_Deterministic(t *testing.T) {
	a := Sum([]byte("hello world"))
	b := Sum([]byte("hello world"))
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 64)
	assert.Equal(t, Digest("b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"), a)
}

func TestSum_DistinctContent(t *testing.T) {
	assert.NotEqual(t, Sum([]byte("a")), Sum([]byte("b")))
	assert.Equal(t, Sum([]byte("abc")), SumString("abc"))
}

func TestDigest_Short(t *testing.T) {
	d := SumString("hello world")
	assert.Equal(t, "b94d27b9934d", d.Short())
	assert.Equal(t, "abc", Digest("abc").Short())
	assert.True(t, Digest("").IsZero())
	assert.False(t, d.IsZero())
}
