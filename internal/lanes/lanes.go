// Package lanes provides a per-key FIFO task queue. Tasks enqueued under
// the same key run one at a time in submission order; tasks under
// different keys run independently. The gateway uses one lane per session
// id to guarantee non-interleaved message processing.
package lanes

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWarnAfter is the wait threshold beyond which OnWait fires.
const DefaultWarnAfter = 2 * time.Second

type entry struct {
	task       func(ctx context.Context) (any, error)
	enqueuedAt time.Time
	warnAfter  time.Duration
	onWait     func(waited time.Duration, queuedAhead int)

	resultCh chan any
	errCh    chan error
}

type laneState struct {
	key      string
	queue    []*entry
	active   bool
	draining bool
	mu       sync.Mutex
}

// Queue serializes tasks per key. There is no global lock held while a
// task runs; only the small bookkeeping sections are locked.
type Queue struct {
	lanes map[string]*laneState
	mu    sync.Mutex
}

// NewQueue creates an empty lane queue.
func NewQueue() *Queue {
	return &Queue{lanes: make(map[string]*laneState)}
}

// EnqueueOptions configures how a task is enqueued.
type EnqueueOptions struct {
	// WarnAfter is the wait threshold for OnWait. Defaults to DefaultWarnAfter.
	WarnAfter time.Duration
	// OnWait is called at dequeue time when the task waited longer than
	// WarnAfter. queuedAhead is the remaining backlog size.
	OnWait func(waited time.Duration, queuedAhead int)
	// Context bounds the wait for the result. It does not cancel a task
	// that has already started; the lane always runs a started task to
	// completion.
	Context context.Context
}

// enqueueEntry appends e to the lane for key, creating the lane if
// needed. The append happens under q.mu so it cannot interleave with
// idle-lane eviction; otherwise a task could land on an evicted lane
// while a fresh lane races it for the same key.
func (q *Queue) enqueueEntry(key string, e *entry) *laneState {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.lanes[key]
	if !ok {
		state = &laneState{key: key, queue: make([]*entry, 0)}
		q.lanes[key] = state
	}
	state.mu.Lock()
	state.queue = append(state.queue, e)
	state.mu.Unlock()
	return state
}

// evictIfIdle removes the lane from the map when it has no backlog and no
// running task. Enqueue re-creates lanes on demand, so eviction is purely
// a memory-usage concern.
func (q *Queue) evictIfIdle(state *laneState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state.mu.Lock()
	idle := !state.active && !state.draining && len(state.queue) == 0
	state.mu.Unlock()
	if idle && q.lanes[state.key] == state {
		delete(q.lanes, state.key)
	}
}

func (q *Queue) drain(state *laneState) {
	state.mu.Lock()
	if state.draining {
		state.mu.Unlock()
		return
	}
	state.draining = true
	state.mu.Unlock()

	q.pump(state)
}

// pump starts the next task if the lane is free. Each finished task pumps
// again, so a non-empty backlog advances immediately.
func (q *Queue) pump(state *laneState) {
	state.mu.Lock()
	if state.active || len(state.queue) == 0 {
		state.draining = false
		state.mu.Unlock()
		q.evictIfIdle(state)
		return
	}

	e := state.queue[0]
	state.queue = state.queue[1:]
	queuedAhead := len(state.queue)
	state.active = true
	state.mu.Unlock()

	if waited := time.Since(e.enqueuedAt); waited >= e.warnAfter && e.onWait != nil {
		e.onWait(waited, queuedAhead)
	}

	go func() {
		result, err := e.task(context.Background())

		state.mu.Lock()
		state.active = false
		state.mu.Unlock()

		if err != nil {
			e.errCh <- err
		} else {
			e.resultCh <- result
		}

		q.pump(state)
	}()
}

// Enqueue submits a task under key and waits for its result. A failing
// task reports its error to its own caller only; the lane advances to the
// next task regardless.
func Enqueue[T any](q *Queue, key string, task func(ctx context.Context) (T, error), opts *EnqueueOptions) (T, error) {
	warnAfter := DefaultWarnAfter
	var onWait func(time.Duration, int)
	ctx := context.Background()
	if opts != nil {
		if opts.WarnAfter > 0 {
			warnAfter = opts.WarnAfter
		}
		onWait = opts.OnWait
		if opts.Context != nil {
			ctx = opts.Context
		}
	}

	e := &entry{
		task: func(taskCtx context.Context) (any, error) {
			return task(taskCtx)
		},
		enqueuedAt: time.Now(),
		warnAfter:  warnAfter,
		onWait:     onWait,
		resultCh:   make(chan any, 1),
		errCh:      make(chan error, 1),
	}

	state := q.enqueueEntry(key, e)
	q.drain(state)

	var zero T
	select {
	case result := <-e.resultCh:
		if result == nil {
			return zero, nil
		}
		typed, ok := result.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected task result type %T", result)
		}
		return typed, nil
	case err := <-e.errCh:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Pending returns the number of queued (not yet started) tasks for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	state, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.queue)
}

// Active reports whether a task is currently running for key.
func (q *Queue) Active(key string) bool {
	q.mu.Lock()
	state, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.active
}

// Len returns the number of live lanes. Idle lanes are evicted, so this
// tracks lanes with queued or running work plus lanes racing eviction.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
