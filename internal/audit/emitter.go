package audit

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Sink accepts recorded events. Persistence format and location are the
// sink's concern.
type Sink interface {
	Record(Event) error
}

// Emitter decouples protocol processing from the sink with a bounded
// channel and one drain goroutine. Emit never blocks: when the channel is
// full the event is dropped and counted, and the emitter reports degraded
// mode once instead of escalating.
type Emitter struct {
	ch       chan Event
	sink     Sink
	wg       sync.WaitGroup
	closed   chan struct{}
	dropped  atomic.Uint64
	degraded atomic.Bool
}

// NewEmitter starts an emitter draining into sink. A nil sink discards
// everything. buffer <= 0 uses a sane default.
func NewEmitter(sink Sink, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	e := &Emitter{
		ch:     make(chan Event, buffer),
		sink:   sink,
		closed: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Nop returns an emitter that discards all events. Used when auditing is
// not configured.
func Nop() *Emitter {
	return NewEmitter(nil, 1)
}

// Emit queues an event without blocking. The timestamp is stamped here so
// drops and queue delay do not skew event time.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
		e.warnDegraded("audit: queue full, dropping events")
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close stops accepting events, drains what is queued, and waits for the
// sink to finish.
func (e *Emitter) Close() {
	close(e.closed)
	e.wg.Wait()
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.ch:
			e.record(ev)
		case <-e.closed:
			for {
				select {
				case ev := <-e.ch:
					e.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) record(ev Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ev); err != nil {
		e.warnDegraded("audit: sink failing: " + err.Error())
	}
}

func (e *Emitter) warnDegraded(msg string) {
	if e.degraded.CompareAndSwap(false, true) {
		log.Print(msg)
	}
}
