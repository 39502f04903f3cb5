package infra

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupCoalescesConcurrentCalls(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32
	release := make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err, _ := g.Do("key", func() (int, error) {
				executions.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = val
		}(i)
	}

	// Let the callers pile up on the same key before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("executions = %d, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
	executed, shared := g.Stats()
	if executed != 1 || shared != callers-1 {
		t.Fatalf("stats = (%d, %d), want (1, %d)", executed, shared, callers-1)
	}
}

func TestGroupDistinctKeysDoNotCoalesce(t *testing.T) {
	var g Group[string, string]
	a, errA, _ := g.Do("a", func() (string, error) { return "va", nil })
	b, errB, _ := g.Do("b", func() (string, error) { return "vb", nil })
	if errA != nil || errB != nil || a != "va" || b != "vb" {
		t.Fatalf("got (%q,%v) (%q,%v)", a, errA, b, errB)
	}
}

func TestGroupSharesErrors(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")
	_, err, _ := g.Do("key", func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	// Completed calls are forgotten; the next call executes again.
	val, err, _ := g.Do("key", func() (int, error) { return 7, nil })
	if err != nil || val != 7 {
		t.Fatalf("got (%d, %v)", val, err)
	}
}

func TestForget(t *testing.T) {
	var g Group[string, int]
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		g.Do("key", func() (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started
	g.Forget("key")

	// After Forget, a new call for the key runs independently.
	var ran atomic.Bool
	val, err, _ := g.Do("key", func() (int, error) {
		ran.Store(true)
		return 2, nil
	})
	if err != nil || val != 2 || !ran.Load() {
		t.Fatalf("got (%d, %v, ran=%v)", val, err, ran.Load())
	}
	close(release)
	<-done
}
