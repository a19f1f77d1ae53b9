package voice

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry()

	var stopped atomic.Int32
	r.Register("user-1", func() { stopped.Add(1) })
	r.Register("user-1", func() { stopped.Add(1) })
	r.Register("user-2", func() { stopped.Add(1) })

	count := r.StopAll("user-1")

	assert.Equal(t, 2, count)
	assert.Equal(t, int32(2), stopped.Load())
	assert.Equal(t, 0, r.Active("user-1"))
	assert.Equal(t, 1, r.Active("user-2"), "other users' playbacks keep going")
}

func TestRegistry_StopAllEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.StopAll("user-1"))
}

func TestPlayback_StopIsOnceOnly(t *testing.T) {
	r := NewRegistry()

	var stopped atomic.Int32
	p := r.Register("user-1", func() { stopped.Add(1) })

	p.Stop()
	p.Stop()

	assert.Equal(t, int32(1), stopped.Load())
	assert.Equal(t, 0, r.Active("user-1"))

	// StopAll after an individual stop finds nothing left.
	assert.Equal(t, 0, r.StopAll("user-1"))
}

func TestPlayback_NilStopFunc(t *testing.T) {
	r := NewRegistry()
	p := r.Register("user-1", nil)
	p.Stop()
	assert.Equal(t, 0, r.Active("user-1"))
}

func TestRegistry_ConcurrentStops(t *testing.T) {
	r := NewRegistry()

	var stopped atomic.Int32
	for i := 0; i < 16; i++ {
		r.Register("user-1", func() { stopped.Add(1) })
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.StopAll("user-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), stopped.Load(), "every playback stops exactly once")
	assert.Equal(t, 0, r.Active("user-1"))
}
