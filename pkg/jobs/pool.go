// Package jobs implements the Job & ThreadPool (component C): a
// priority-ordered, cancellable worker pool shared by indexing and query
// jobs. Query jobs run at a higher priority than indexing jobs so an
// interactive lookup never starves behind a tree-wide reindex.
//
// Scheduling is grounded on container/heap (no priority-queue library
// appears anywhere in the example corpus — see DESIGN.md) ordered by
// (priority, sequence) so that jobs of equal priority run FIFO.
// Concurrency is bounded with golang.org/x/sync/semaphore.Weighted,
// generalized from pkg/findings/runner.go's channel-based semaphore-gated
// goroutine pattern onto a real ecosystem primitive.
package jobs

import (
	"container/heap"
	"context"
	"log"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

var jobsLog = log.New(os.Stderr, "[rtagsd:jobs] ", log.LstdFlags)

// Priority orders pending jobs. Higher values run first.
type Priority int

const (
	PriorityIndexer Priority = iota
	PriorityQuery
)

// ID identifies a submitted job so its output can be matched against a
// pending-lookup table, and so it can be individually aborted.
type ID uint32

// Sink receives a job's output events: (bytes, finish). The dispatcher
// implements Sink by forwarding to the owning connection and clearing the
// pending-lookup entry on finish.
type Sink interface {
	Emit(data []byte, finish bool)
}

// Func is the body of a job. It must check ctx.Err() at well-defined
// points (in loop iterations, between emitted output events) so abort is
// cooperative and a hung job cannot block shutdown beyond its next check.
type Func func(ctx context.Context, sink Sink)

// Task describes one unit of work to submit to the pool.
type Task struct {
	ID       ID
	Priority Priority
	Sink     Sink
	Run      Func
}

type heapItem struct {
	task Task
	seq  uint64
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is the fixed-size worker pool. Jobs are scheduled priority-first,
// FIFO within a priority tier, and run with cooperative cancellation.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	nextSeq uint64
	sem     *semaphore.Weighted

	running map[ID]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a pool with the given worker count. A count <= 0 defaults
// to the host CPU count, per §4.1.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		running: make(map[ID]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.dispatchLoop()
	return p
}

// Start enqueues a job at the given priority and returns immediately.
func (p *Pool) Start(task Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	heap.Push(&p.heap, &heapItem{task: task, seq: p.nextSeq})
	p.nextSeq++
	p.cond.Signal()
}

// ClearBackLog removes every job still waiting in the queue (not yet
// dispatched to a worker). Running jobs are unaffected.
func (p *Pool) ClearBackLog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.heap)
	p.heap = p.heap[:0]
	return n
}

// Abort cancels the job with the given id if it is currently running and
// reports whether it was. A pending (not yet dispatched) job is not
// affected: it stays in the heap and runs when dispatched.
func (p *Pool) Abort(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[id]
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		// A worker slot is acquired before popping, so the job taken is
		// the highest-priority one queued when a slot frees up.
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Pool is shutting down; queued jobs never run.
			return
		}

		p.mu.Lock()
		for len(p.heap) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && len(p.heap) == 0 {
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		item := heap.Pop(&p.heap).(*heapItem)
		p.mu.Unlock()

		jobCtx, jobCancel := context.WithCancel(p.ctx)
		p.mu.Lock()
		p.running[item.task.ID] = jobCancel
		p.mu.Unlock()

		p.wg.Add(1)
		go func(task Task) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer func() {
				p.mu.Lock()
				delete(p.running, task.ID)
				p.mu.Unlock()
				jobCancel()
			}()
			defer func() {
				if r := recover(); r != nil {
					jobsLog.Printf("job %d panicked: %v", task.ID, r)
				}
			}()
			sink := task.Sink
			if sink == nil {
				sink = noopSink{}
			}
			task.Run(jobCtx, sink)
		}(item.task)
	}
}

// noopSink discards output for a Task submitted without a Sink, so Run
// never nil-derefs.
type noopSink struct{}

func (noopSink) Emit(data []byte, finish bool) {}

// Shutdown cancels all running jobs, discards the backlog, and waits for
// in-flight goroutines to observe cancellation and return. Satisfies S6:
// shutdown must not wait for queued jobs to actually run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.heap = p.heap[:0]
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
