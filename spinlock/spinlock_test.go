package spinlock

import (
	"sync"
	"testing"
)

func TestMutexSerializesAccess(t *testing.T) {
	var m Mutex
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}

	wg.Wait()
	if counter != 200 {
		t.Fatalf("expected 200, got %d", counter)
	}
}
