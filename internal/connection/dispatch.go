package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
)

// StatusChange is delivered to status observers.
type StatusChange struct {
	From      domain.ConnectionState
	To        domain.ConnectionState
	SessionID string
	// Decision is set when the transition was caused by a failure.
	Decision *recovery.Decision
	At       time.Time
}

type notification struct {
	status  *StatusChange
	version uint64
	event   *domain.InboundEvent
	action  *recovery.Decision
}

type observer[T any] struct {
	id uint64
	fn func(T)
}

// dispatcher delivers notifications to observers on a single goroutine, in
// enqueue order. A status notification superseded by a newer one is skipped;
// inbound events and required actions are always delivered.
type dispatcher struct {
	mu      sync.Mutex
	queue   []notification
	wake    chan struct{}
	nextID  uint64
	status  []observer[StatusChange]
	message []observer[domain.InboundEvent]
	actions []observer[recovery.Decision]

	latest atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	d.wg.Add(1)
	go d.process()

	return d
}

func (d *dispatcher) enqueue(n notification) {
	d.mu.Lock()
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) publishStatus(sc StatusChange) {
	v := d.latest.Add(1)
	d.enqueue(notification{status: &sc, version: v})
}

func (d *dispatcher) publishEvent(ev domain.InboundEvent) {
	d.enqueue(notification{event: &ev})
}

func (d *dispatcher) publishAction(dec recovery.Decision) {
	d.enqueue(notification{action: &dec})
}

func (d *dispatcher) process() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			n := d.queue[0]
			d.queue[0] = notification{}
			d.queue = d.queue[1:]
			d.mu.Unlock()

			if d.ctx.Err() != nil {
				return
			}
			d.deliver(n)
		}
	}
}

func (d *dispatcher) deliver(n notification) {
	start := time.Now()

	switch {
	case n.status != nil:
		if n.version < d.latest.Load() {
			return
		}
		for _, o := range snapshot(&d.mu, &d.status) {
			o.fn(*n.status)
		}
	case n.event != nil:
		for _, o := range snapshot(&d.mu, &d.message) {
			o.fn(*n.event)
		}
	case n.action != nil:
		for _, o := range snapshot(&d.mu, &d.actions) {
			o.fn(*n.action)
		}
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		d.logger.Warn("slow connection observer", "duration_ms", elapsed.Milliseconds())
	}
}

func snapshot[T any](mu *sync.Mutex, list *[]observer[T]) []observer[T] {
	mu.Lock()
	defer mu.Unlock()
	return append([]observer[T](nil), (*list)...)
}

func subscribe[T any](d *dispatcher, list *[]observer[T], fn func(T)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	*list = append(*list, observer[T]{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, o := range *list {
				if o.id == id {
					*list = append((*list)[:i:i], (*list)[i+1:]...)
					return
				}
			}
		})
	}
}

// close stops the worker. Notifications still queued are discarded.
func (d *dispatcher) close() {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn("observer dispatcher shutdown timeout")
	}

	d.mu.Lock()
	if dropped := len(d.queue); dropped > 0 {
		d.logger.Debug("dropped undelivered notifications", "count", dropped)
	}
	d.queue = nil
	d.mu.Unlock()
}
