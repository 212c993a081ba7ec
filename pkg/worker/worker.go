// Package worker implements the single dedicated worker thread that
// drains a workqueue.Queue, per spec §4.2. Styled after
// pkg/operator.Operator's worker()/processNextWorkItem() split,
// including its exact idiom for running the loop
// (`wait.Until(optr.worker, period, stopCh)`) and logging a panicking
// processor with `utilruntime.HandleCrash()`, which processOne follows
// with a recover so the panic does not end the goroutine; generalized from
// a fixed stop channel owned by a controller-runtime manager to one
// this package owns itself via Stop.
package worker

import (
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/device-update/agent-core/pkg/workqueue"
)

// Processor handles one dequeued item. Handler invocations may block
// on I/O; the worker thread is the only place in the core where that
// is allowed to happen.
type Processor func(item workqueue.Item)

// pollInterval is how long the worker waits between drains of an
// empty queue (the period passed to wait.Until).
const pollInterval = 100 * time.Millisecond

// Worker drains exactly one Queue on exactly one goroutine.
type Worker struct {
	queue     *workqueue.Queue
	process   Processor
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once
}

// New builds a Worker over queue, dispatching each dequeued item to
// process.
func New(queue *workqueue.Queue, process Processor) *Worker {
	return &Worker{
		queue:   queue,
		process: process,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start spawns the single worker goroutine. Calling Start more than
// once has no additional effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go func() {
			defer close(w.done)
			wait.Until(w.drainQueue, pollInterval, w.stopCh)
		}()
	})
}

// drainQueue pops and processes items until the queue runs dry, then
// returns so wait.Until's stopCh check and period wait apply between
// drains (spec §4.2's "sleep a short interval" between empty polls).
func (w *Worker) drainQueue() {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		item, ok := w.queue.GetNext()
		if !ok {
			return
		}
		w.processOne(item)
	}
}

func (w *Worker) processOne(item workqueue.Item) {
	// HandleCrash logs the panic and then re-panics (utilruntime.ReallyCrash
	// defaults to true); the recover deferred before it stops that second
	// panic here, so one bad item does not end the worker goroutine.
	defer func() { _ = recover() }()
	defer utilruntime.HandleCrash()
	w.process(item)
}

// Stop closes the stop channel and returns immediately. The worker
// goroutine finishes its in-flight item (if any) and exits on its next
// wait.Until check; join during teardown with Wait.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Wait blocks until the worker goroutine has exited. Only valid to
// call after Start.
func (w *Worker) Wait() {
	<-w.done
}
