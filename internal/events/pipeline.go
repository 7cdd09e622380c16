package events

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCapacity is used when a non-positive capacity is configured
const DefaultCapacity = 1024

// Pipeline is a bounded, drop-oldest event queue drained by one goroutine.
// Emit never blocks beyond a short critical section.
type Pipeline struct {
	mu      sync.Mutex
	buf     []Event
	head    int
	size    int
	seq     uint64
	dropped uint64

	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	notify    chan struct{}
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPipeline creates a new pipeline forwarding to sink
func NewPipeline(capacity int, sink Sink, logger *zap.Logger) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipeline{
		buf:    make([]Event, capacity),
		sink:   sink,
		logger: logger,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Emit enqueues an event with a copy of data. When the queue is full the
// oldest pending event is discarded.
func (p *Pipeline) Emit(protocol string, stage Stage, detail string, data map[string]any) {
	data = maps.Clone(data)
	p.mu.Lock()
	p.seq++
	ev := Event{
		Seq:       p.seq,
		Protocol:  protocol,
		Stage:     stage,
		Detail:    detail,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
	if p.size == len(p.buf) {
		p.buf[p.head] = Event{}
		p.head = (p.head + 1) % len(p.buf)
		p.size--
		p.dropped++
	}
	p.buf[(p.head+p.size)%len(p.buf)] = ev
	p.size++
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start launches the drain goroutine. Calling it more than once is a no-op.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		go p.drain()
	})
}

// Stop flushes what is queued and stops the drain goroutine, waiting at most
// until ctx is done.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.Start()
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded because of overflow
func (p *Pipeline) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Len returns the number of events waiting to be drained
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pipeline) drain() {
	defer close(p.done)
	for {
		select {
		case <-p.notify:
			p.flush()
		case <-p.quit:
			p.flush()
			return
		}
	}
}

func (p *Pipeline) flush() {
	for {
		ev, ok := p.pop()
		if !ok {
			return
		}
		if err := p.sink.Publish(context.Background(), ev); err != nil {
			p.logger.Warn("Failed to publish event",
				zap.Uint64("seq", ev.Seq),
				zap.String("stage", string(ev.Stage)),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) pop() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == 0 {
		return Event{}, false
	}
	ev := p.buf[p.head]
	p.buf[p.head] = Event{}
	p.head = (p.head + 1) % len(p.buf)
	p.size--
	return ev, true
}
