package syncjobs

import (
	"context"
	"sync"
	"time"
)

// Worker polls the queue in a background goroutine.
type Worker struct {
	queue *Queue

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWorker builds a stopped worker over queue.
func NewWorker(queue *Queue) *Worker {
	return &Worker{queue: queue}
}

// Start launches the polling loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.loop(w.stopCh, w.doneCh)
}

// Stop signals the loop and waits up to five seconds for it to drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		w.queue.logger.Println("Sync worker did not stop in time")
	}
	w.running = false
}

func (w *Worker) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	w.queue.logger.Println("Sync worker started")

	pollSeconds := w.queue.cfg.SyncWorkerPollSeconds
	if pollSeconds < 1 {
		pollSeconds = 1
	}
	pollInterval := time.Duration(pollSeconds) * time.Second

	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			w.queue.logger.Println("Sync worker stopped")
			return
		default:
		}

		processed, err := w.queue.ProcessNext(ctx)
		if err != nil {
			w.queue.logger.Printf("Sync worker loop error: %v", err)
		}
		if processed {
			continue
		}
		select {
		case <-stopCh:
			w.queue.logger.Println("Sync worker stopped")
			return
		case <-time.After(pollInterval):
		}
	}
}
