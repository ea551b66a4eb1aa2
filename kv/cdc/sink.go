package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
)

// Sink is the ordered output of one connection. The endpoint loop appends
// events without blocking. A forwarder hands them to the bounded channel
// read by Recv, waiting at most timeout per event.
type Sink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	err    error

	out      chan Event
	timeout  time.Duration
	dropped  chan struct{}
	dropOnce sync.Once

	// onStall is called once when a send times out.
	onStall func(err error)
	// onDrop is called once when the receiver closes the sink.
	onDrop func()
}

func newSink(capacity int, timeout time.Duration) *Sink {
	s := &Sink{
		out:     make(chan Event, capacity),
		timeout: timeout,
		dropped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Sink) start() {
	go s.forward()
}

// Send queues e. It returns false once the sink is closed.
func (s *Sink) Send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, e)
	sinkPendingGauge.Inc()
	s.cond.Signal()
	return true
}

// finish stops accepting events. Queued events are still delivered, then
// Recv returns err.
func (s *Sink) finish(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// abort closes the sink and discards what is queued.
func (s *Sink) abort(err error) {
	s.mu.Lock()
	s.closed = true
	if s.err == nil || s.err == ErrSinkClosed {
		s.err = err
	}
	sinkPendingGauge.Sub(float64(len(s.queue)))
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Sink) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		timer := time.NewTimer(s.timeout)
		select {
		case s.out <- e:
			timer.Stop()
			sinkPendingGauge.Dec()
		case <-s.dropped:
			timer.Stop()
			sinkPendingGauge.Dec()
			s.abort(ErrSinkClosed)
			return
		case <-timer.C:
			sinkPendingGauge.Dec()
			err := &storage.ErrServerIsBusy{Reason: "cdc sink is congested"}
			s.abort(err)
			if s.onStall != nil {
				s.onStall(err)
			}
			return
		}
	}
}

// Recv returns the next event. After the sink is closed and drained it
// returns the error the sink was closed with.
func (s *Sink) Recv(ctx context.Context) (Event, error) {
	select {
	case e, ok := <-s.out:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err == nil {
				return nil, ErrSinkClosed
			}
			return nil, s.err
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is called by the receiver to drop the sink.
func (s *Sink) Close() {
	s.dropOnce.Do(func() {
		close(s.dropped)
		s.abort(ErrSinkClosed)
		if s.onDrop != nil {
			s.onDrop()
		}
	})
}
