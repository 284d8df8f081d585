package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcliao/framestore/internal/hasher"
	"github.com/rcliao/framestore/internal/model"
)

func TestIndex_RegisterAndLookup(t *testing.T) {
	x := New()
	d := hasher.SumString("hello")

	_, ok := x.Lookup(d)
	assert.False(t, ok)

	assert.True(t, x.Register(d, 4))
	id, ok := x.Lookup(d)
	assert.True(t, ok)
	assert.Equal(t, model.FrameID(4), id)
}

func TestIndex_KeepsFirstFrame(t *testing.T) {
	x := New()
	d := hasher.SumString("dup")
	x.Register(d, 1)
	assert.False(t, x.Register(d, 7))

	id, _ := x.Lookup(d)
	assert.Equal(t, model.FrameID(1), id)
	assert.Equal(t, 1, x.Len())
}

func TestIndex_ZeroDigestIgnored(t *testing.T) {
	x := New()
	assert.False(t, x.Register("", 1))
	_, ok := x.Lookup("")
	assert.False(t, ok)
	assert.Equal(t, 0, x.Len())
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	x := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := hasher.SumString(string(rune('a' + i%10)))
			x.Register(d, model.FrameID(i))
			x.Lookup(d)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, x.Len())
}
