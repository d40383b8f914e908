package coordinator

import (
	"context"
	"fmt"

	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
)

// writeOp is one queued store mutation. A nil apply is a barrier.
type writeOp struct {
	label  string
	apply  func(ctx context.Context) error
	events []notify.Event
	onFail func(err error) []notify.Event
	done   chan error
}

// writer applies queued writes in order. Events attached to a write are
// published only after it succeeds.
func (c *Coordinator) writer() {
	defer close(c.writerDone)
	for op := range c.writes {
		var err error
		if op.apply != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err = op.apply(ctx)
			cancel()
		}

		if err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Store write %s failed: %v", op.label, err)
			if op.onFail != nil {
				for _, e := range op.onFail(err) {
					c.notifier.Publish(e)
				}
			}
		} else {
			for _, e := range op.events {
				c.notifier.Publish(e)
			}
		}
		if op.done != nil {
			op.done <- err
			close(op.done)
		}
	}
}

// enqueueLocked queues op behind every earlier write. The returned channel
// yields the write result. Holding c.mu keeps queue order equal to the order
// in which the cache was mutated.
func (c *Coordinator) enqueueLocked(op writeOp) <-chan error {
	op.done = make(chan error, 1)
	if c.closed {
		if op.apply != nil {
			op.done <- ErrClosed
		}
		close(op.done)
		return op.done
	}
	c.writes <- op
	return op.done
}

// persistLocked queues a run state patch.
func (c *Coordinator) persistLocked(label string, p store.Patch, events ...notify.Event) <-chan error {
	return c.enqueueLocked(writeOp{
		label:  label,
		apply:  func(ctx context.Context) error { return c.runs.Apply(ctx, p) },
		events: events,
	})
}

// await blocks until the write reports back or ctx ends.
func await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rehydrateLocked waits for every queued write and then reloads the durable
// fields from the store. In-memory fields are kept.
func (c *Coordinator) rehydrateLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if err := await(ctx, c.enqueueLocked(writeOp{label: "barrier"})); err != nil {
		return err
	}
	snap, err := c.runs.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	c.state.Items = snap.Items
	c.state.CurrentIndex = snap.CurrentIndex
	c.state.FilterStartIndex = snap.FilterStartIndex
	c.state.InitialFilterStartIndex = snap.InitialFilterStartIndex
	c.state.Stopped = snap.Stopped
	return nil
}
