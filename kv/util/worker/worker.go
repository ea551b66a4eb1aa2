package worker

import "sync"

type TaskStop struct{}

type Task interface{}

// Worker runs a handler over a task channel on one or more goroutines.
type Worker struct {
	name        string
	concurrency int
	sender      chan<- Task
	receiver    <-chan Task
	wg          *sync.WaitGroup

	// mu orders Schedule against Stop, no task is queued behind the stops.
	mu     sync.RWMutex
	closed bool
}

type TaskHandler interface {
	Handle(t Task)
}

// Discarder is implemented by tasks holding resources that must be released
// when the task is dropped without being handled.
type Discarder interface {
	Discard()
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	if s, ok := handler.(Starter); ok {
		s.Start()
	}
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				task := <-w.receiver
				if _, ok := task.(TaskStop); ok {
					return
				}
				handler.Handle(task)
			}
		}()
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Schedule queues t without blocking the caller. When the queue is full the
// task is handed over by a helper goroutine. A task scheduled after Stop is
// discarded.
func (w *Worker) Schedule(t Task) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		discard(t)
		return
	}
	select {
	case w.sender <- t:
		w.mu.RUnlock()
		return
	default:
	}
	w.mu.RUnlock()
	go func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if w.closed {
			discard(t)
			return
		}
		w.sender <- t
	}()
}

func discard(t Task) {
	if d, ok := t.(Discarder); ok {
		d.Discard()
	}
}

// Stop asks every goroutine of the worker to exit once the queued tasks are
// handled.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	for i := 0; i < w.concurrency; i++ {
		w.sender <- TaskStop{}
	}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewPool(name, 1, wg)
}

// NewPool creates a worker whose handler runs on concurrency goroutines
// sharing one task queue.
func NewPool(name string, concurrency int, wg *sync.WaitGroup) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		name:        name,
		concurrency: concurrency,
		sender:      (chan<- Task)(ch),
		receiver:    (<-chan Task)(ch),
		wg:          wg,
	}
}
