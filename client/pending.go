package client

import (
	"context"
	"sync"
)

// PendingWrite tracks a frame handed to a connection. It completes once the
// frame has been written to the transport, or failed to be. It says nothing
// about the server's eventual reply.
type PendingWrite struct {
	frame []byte

	once sync.Once
	done chan struct{}
	err  error
}

func newPendingWrite(frame []byte) *PendingWrite {
	return &PendingWrite{
		frame: frame,
		done:  make(chan struct{}),
	}
}

func failedWrite(err error) *PendingWrite {
	w := newPendingWrite(nil)
	w.complete(err)
	return w
}

func (w *PendingWrite) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *PendingWrite) Done() <-chan struct{} {
	return w.done
}

// Err returns the outcome of the write. It is nil until Done is closed.
func (w *PendingWrite) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the write completes or ctx is done.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
