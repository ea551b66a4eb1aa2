package latches

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([][]byte{{}, {3}, {3, 0, 42}})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([][]byte{{}})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)

	// Release then acquire is ok.
	l.ReleaseLatches([][]byte{{3}, {3, 0, 43}})
	wg = l.AcquireLatches([][]byte{{3}})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([][]byte{{3, 0, 42}})
	assert.NotNil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	keys := [][]byte{[]byte("a"), []byte("b")}
	l.WaitForLatches(keys)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.WaitForLatches([][]byte{[]byte("b")})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("latch acquired twice")
	case <-time.After(20 * time.Millisecond):
	}
	l.ReleaseLatches(keys)
	wg.Wait()
}
