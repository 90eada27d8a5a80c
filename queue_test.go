package uow

import (
	"sync"
	"testing"
	"time"
)

func TestJobQueueRunsInOrder(t *testing.T) {
	q := newJobQueue()
	defer q.close()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		if !q.submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
}

func TestJobQueueCloseDrainsQueuedJobs(t *testing.T) {
	q := newJobQueue()
	release := make(chan struct{})
	ran := make(chan int, 2)
	q.submit(func() { <-release; ran <- 1 })
	q.submit(func() { ran <- 2 })
	q.close()

	if q.submit(func() {}) {
		t.Fatalf("closed queue must reject jobs")
	}
	close(release)

	select {
	case <-q.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not stop")
	}
	if len(ran) != 2 {
		t.Fatalf("queued jobs must still run, got %d", len(ran))
	}
}
