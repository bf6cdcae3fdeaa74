// Package ingest feeds the write path: a Kafka consumer bridges the
// external event log, and a partitioned dispatcher guarantees that all
// events for one entity are processed by exactly one goroutine in arrival
// order, while distinct entities proceed in parallel.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"fraudshield/pkg/events"
	"fraudshield/pkg/metrics"
)

// Handler processes one event on its entity's partition.
type Handler func(ev events.Event)

// Dispatcher fans events out to a fixed set of per-partition workers.
// Partition assignment is a stable hash of the entity id, so per-entity
// ordering is preserved without any per-entity locking downstream.
type Dispatcher struct {
	partitions []chan events.Event
	handler    Handler
	backlog    atomic.Int64
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewDispatcher creates a dispatcher with n partitions, each buffering up
// to depth events.
func NewDispatcher(n, depth int, handler Handler) *Dispatcher {
	if n <= 0 {
		n = 8
	}
	if depth <= 0 {
		depth = 1024
	}
	d := &Dispatcher{handler: handler}
	for i := 0; i < n; i++ {
		d.partitions = append(d.partitions, make(chan events.Event, depth))
	}
	return d
}

// Start launches the partition workers.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	for _, ch := range d.partitions {
		d.wg.Add(1)
		go d.run(ctx, ch)
	}
}

// Stop cancels workers and waits for them to drain their queued events.
// Events already accepted by Submit are never dropped: the consumer may
// have committed their offsets.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit enqueues an event on its entity's partition, blocking when the
// partition buffer is full (backpressure to the consumer).
func (d *Dispatcher) Submit(ctx context.Context, ev events.Event) error {
	ch := d.partitions[d.partition(ev.EntityID)]
	select {
	case ch <- ev:
		metrics.IngestLag.Set(float64(d.backlog.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog reports events queued across all partitions.
func (d *Dispatcher) Backlog() int64 { return d.backlog.Load() }

func (d *Dispatcher) partition(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(d.partitions)))
}

func (d *Dispatcher) run(ctx context.Context, ch chan events.Event) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-ch:
					d.handler(ev)
					metrics.IngestLag.Set(float64(d.backlog.Add(-1)))
				default:
					return
				}
			}
		case ev := <-ch:
			d.handler(ev)
			metrics.IngestLag.Set(float64(d.backlog.Add(-1)))
		}
	}
}
