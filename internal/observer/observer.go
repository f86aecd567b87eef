package observer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// DefaultQueueSize bounds the number of undelivered changes
const DefaultQueueSize = 1000

// Change describes how the head of a cluster node moved
type Change struct {
	Before   revision.Vector
	After    revision.Vector
	Changes  *journal.ChangeSet
	External bool // discovered in the journal of another cluster node
}

// Observer is notified of head changes
type Observer interface {
	ContentChanged(change Change)
}

// Func adapts a function to Observer
type Func func(change Change)

func (f Func) ContentChanged(change Change) {
	f(change)
}

type item struct {
	change  Change
	barrier chan struct{}
}

// Dispatcher delivers changes to observers on a dedicated goroutine, in
// the order they were queued. When the queue is full changes are dropped.
type Dispatcher struct {
	queue  chan item
	logger *zap.Logger

	mu        sync.RWMutex
	observers []Observer

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a dispatcher with a queue of size entries
func NewDispatcher(size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:  make(chan item, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Add registers an observer
func (d *Dispatcher) Add(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// Enqueue queues change for delivery. It reports false when the change
// was dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(change Change) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- item{change: change}:
		return true
	default:
		d.logger.Warn("observer queue full, dropping change",
			zap.String("after", change.After.String()),
		)
		return false
	}
}

// Drain blocks until every change queued before the call was delivered
func (d *Dispatcher) Drain() {
	barrier := make(chan struct{})
	select {
	case d.queue <- item{barrier: barrier}:
	case <-d.done:
		return
	}
	select {
	case <-barrier:
	case <-d.done:
	}
}

// Close stops the worker; queued changes are discarded
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case it := <-d.queue:
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			d.deliver(it.change)
		}
	}
}

func (d *Dispatcher) deliver(change Change) {
	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("observer panicked", zap.Any("panic", r))
				}
			}()
			o.ContentChanged(change)
		}()
	}
}
