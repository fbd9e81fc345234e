/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/x-stp/gostscan/internal/metrics"
)

// ScanTask represents a unit of work (classifying one domain).
// It is pooled via sync.Pool to reduce allocations when large batches churn
// through the queue.
type ScanTask struct {
	Domain   string                     // Used for sharding work across workers.
	Attempt  int                        // Tracks retry attempts for queue submission.
	Callback func(task *ScanTask) error // Function to execute for this task.
	Ctx      context.Context            // Context for the specific task.
}

// Scanner manages a pool of worker goroutines and dispatches ScanTasks to
// them based on a hash of the domain. Sharding by domain keeps repeated
// submissions of the same domain on one worker, so a flapping endpoint
// never has two in-flight probes racing each other.
//
// Parallelism is deliberately small: the bottleneck is the replica pool,
// not local CPU, so worker count tracks healthy replicas rather than cores.
type Scanner struct {
	numWorkers int
	workers    []*worker
	ctx        context.Context    // Master context for shutdown signalling.
	cancel     context.CancelFunc // Function to trigger shutdown.
	shutdown   atomic.Bool        // Flag to prevent submitting work during/after shutdown.
	taskPool   sync.Pool          // Pool for reusing ScanTask structs, reducing GC pressure.
	activeWork sync.WaitGroup     // Tracks actively processing tasks.
}

// worker encapsulates a single worker goroutine and its state.
type worker struct {
	id      int            // Identifier for logging/debugging.
	queue   chan *ScanTask // Buffered channel acting as the work queue for this worker.
	scanner *Scanner       // Pointer back to the scanner for shared resources.
	ctx     context.Context
}

// NewScanner creates, configures, and starts the scanner and its worker pool.
// numWorkers is clamped to [1, MaxWorkers].
func NewScanner(parentCtx context.Context, numWorkers int) *Scanner {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > MaxWorkers {
		numWorkers = MaxWorkers
	}

	sctx, cancel := context.WithCancel(parentCtx)

	s := &Scanner{
		numWorkers: numWorkers,
		workers:    make([]*worker, numWorkers),
		ctx:        sctx,
		cancel:     cancel,
		taskPool: sync.Pool{
			New: func() interface{} {
				return &ScanTask{}
			},
		},
	}

	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:      i,
			queue:   make(chan *ScanTask, WorkerQueueCapacity),
			scanner: s,
			ctx:     sctx,
		}
		s.workers[i] = w
		go w.run()
	}

	log.Printf("Scanner initialized with %d workers.", numWorkers)
	return s
}

// run is the main processing loop for a single worker goroutine.
func (w *worker) run() {
	m := metrics.GetMetrics()

	for {
		select {
		// Prioritize checking for shutdown signal.
		case <-w.ctx.Done():
			w.drainQueue()
			return
		case task := <-w.queue:
			if task == nil { // Safety check, queue should only receive non-nil items.
				continue
			}

			m.UpdateWorkerBusy(w.id, true)

			// Mark work as done when the callback finishes or panics.
			func() {
				defer w.scanner.activeWork.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Printf("Panic recovered in worker %d processing %s: %v", w.id, task.Domain, r)
						if metrics.IsMetricsEnabled() {
							m.WorkerPanics.WithLabelValues(workerLabel(w.id)).Inc()
						}
					}
				}()

				err := task.Callback(task)
				if metrics.IsMetricsEnabled() {
					m.WorkerProcessed.WithLabelValues(workerLabel(w.id)).Inc()
					if err != nil {
						m.WorkerErrors.WithLabelValues(workerLabel(w.id), "callback").Inc()
					}
				}
				if err != nil {
					log.Printf("Error processing %s: %v", task.Domain, err)
				}
			}()

			m.UpdateWorkerBusy(w.id, false)

			// Return the ScanTask struct to the pool for reuse.
			// Reset fields to avoid data leakage between uses.
			task.Callback = nil
			task.Domain = ""
			task.Ctx = nil
			w.scanner.taskPool.Put(task)
		}
	}
}

// drainQueue releases tasks still queued at shutdown so Wait callers are
// not left hanging on work that will never run.
func (w *worker) drainQueue() {
	for {
		select {
		case task := <-w.queue:
			if task != nil {
				w.scanner.activeWork.Done()
			}
		default:
			return
		}
	}
}

// Submit routes a task to a worker queue based on hashing the domain.
// It uses a non-blocking send to the worker's channel to provide
// backpressure: a full queue fails fast with ErrQueueFull instead of
// stalling the submitter.
func (s *Scanner) Submit(ctx context.Context, domain string, callback func(task *ScanTask) error) error {
	if s.shutdown.Load() || s.ctx.Err() != nil {
		return ErrWorkerShutdown
	}

	shardIndex := int(xxh3.HashString(domain) % uint64(s.numWorkers))
	targetWorker := s.workers[shardIndex]

	task := s.taskPool.Get().(*ScanTask)
	task.Domain = domain
	task.Attempt = 0
	task.Callback = callback
	task.Ctx = ctx
	s.activeWork.Add(1)

	select {
	case targetWorker.queue <- task:
		return nil
	default:
		// Queue is full; signal backpressure immediately.
		s.activeWork.Done()
		s.taskPool.Put(task)
		return fmt.Errorf("worker %d for domain %s: %w", targetWorker.id, domain, ErrQueueFull)
	}
}

// Wait blocks until all submitted tasks have been processed.
func (s *Scanner) Wait() {
	s.activeWork.Wait()
}

// NumWorkers returns the size of the worker pool.
func (s *Scanner) NumWorkers() int {
	return s.numWorkers
}

// Shutdown initiates a graceful shutdown of the scanner and its workers.
// Queued tasks that have not started are released unexecuted, so a Wait
// racing a Shutdown always returns. Callers wanting full completion call
// Wait before Shutdown.
func (s *Scanner) Shutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		log.Println("Scanner shutting down...")
		s.cancel()
		// Workers drain their own queues on ctx cancellation; draining here
		// as well closes the window where a task was queued after a worker
		// already exited. Each task is received exactly once either way.
		for _, w := range s.workers {
			w.drainQueue()
		}
	}
}

func workerLabel(id int) string {
	return fmt.Sprintf("%d", id)
}
