package packets

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// inbox buffers received messages until Recv picks them up.
// push blocks while highWater messages are waiting, which stops the read
// loop from reading the socket until the consumer catches up.
type inbox struct {
	mu        sync.Mutex
	q         *queue.Queue
	highWater int
	err       error

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}

	// onPause is called with true when push starts waiting and false when it resumes.
	onPause func(paused bool)
}

func newInbox(highWater int) *inbox {
	return &inbox{
		q:         queue.New(),
		highWater: highWater,
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *inbox) push(ctx context.Context, m Message) error {
	paused := false
	defer func() {
		if paused && b.onPause != nil {
			b.onPause(false)
		}
	}()

	for {
		b.mu.Lock()
		if b.err != nil {
			b.mu.Unlock()
			return ErrConnectionClosed
		}
		if b.q.Length() < b.highWater {
			b.q.Add(m)
			b.mu.Unlock()
			wake(b.readable)
			return nil
		}
		b.mu.Unlock()

		if !paused {
			paused = true
			if b.onPause != nil {
				b.onPause(true)
			}
		}

		select {
		case <-b.writable:
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *inbox) pop(ctx context.Context) (Message, error) {
	for {
		b.mu.Lock()
		if b.q.Length() > 0 {
			m := b.q.Remove().(Message)
			more := b.q.Length() > 0
			b.mu.Unlock()
			wake(b.writable)
			if more {
				wake(b.readable)
			}
			return m, nil
		}
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return Message{}, err
		}
		b.mu.Unlock()

		select {
		case <-b.readable:
		case <-b.done:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// close stops accepting messages. Queued messages remain readable; once they
// are drained pop returns err.
func (b *inbox) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	b.err = err
	close(b.done)
}
