package locks

import (
	"sync"
	"testing"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}

	if n := k.Len(); n != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", n)
	}
}

func TestKeyedIndependentKeys(t *testing.T) {
	k := NewKeyed()

	unlockA := k.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(2)
		unlockB()
		close(done)
	}()

	<-done
	unlockA()
}
