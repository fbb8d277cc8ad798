package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
	done   bool
}

func (s *recordingSink) Emit(data []byte, finish bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data != nil {
		s.chunks = append(s.chunks, data)
	}
	if finish {
		s.done = true
	}
}

func TestQueryPriorityRunsBeforeIndexer(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	var order []string
	var mu sync.Mutex
	block := make(chan struct{})

	// Occupy the single worker so both subsequent tasks queue up.
	started := make(chan struct{})
	p.Start(Task{ID: 1, Priority: PriorityIndexer, Run: func(ctx context.Context, sink Sink) {
		close(started)
		<-block
	}})
	<-started

	p.Start(Task{ID: 2, Priority: PriorityIndexer, Run: func(ctx context.Context, sink Sink) {
		mu.Lock()
		order = append(order, "indexer")
		mu.Unlock()
	}})
	p.Start(Task{ID: 3, Priority: PriorityQuery, Run: func(ctx context.Context, sink Sink) {
		mu.Lock()
		order = append(order, "query")
		mu.Unlock()
	}})

	close(block)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "query" {
		t.Fatalf("expected query before indexer, got %v", order)
	}
}

func TestAbortCancelsRunningJob(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	aborted := make(chan bool, 1)
	p.Start(Task{ID: 7, Priority: PriorityQuery, Run: func(ctx context.Context, sink Sink) {
		<-ctx.Done()
		aborted <- true
	}})

	time.Sleep(20 * time.Millisecond)
	if !p.Abort(7) {
		t.Fatalf("expected job 7 to be running and abortable")
	}

	select {
	case ok := <-aborted:
		if !ok {
			t.Fatalf("expected abort signal")
		}
	case <-time.After(time.Second):
		t.Fatalf("job did not observe abort")
	}
}

func TestShutdownDiscardsBacklog(t *testing.T) {
	p := New(1)

	block := make(chan struct{})
	started := make(chan struct{})
	p.Start(Task{ID: 1, Priority: PriorityIndexer, Run: func(ctx context.Context, sink Sink) {
		close(started)
		<-ctx.Done()
	}})
	<-started

	ran := false
	p.Start(Task{ID: 2, Priority: PriorityIndexer, Run: func(ctx context.Context, sink Sink) {
		ran = true
	}})

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not complete promptly")
	}
	close(block)
	if ran {
		t.Fatalf("backlog job should have been discarded")
	}
}
