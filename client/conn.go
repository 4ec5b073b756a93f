package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

const (
	defaultWriteQueueSize = 127
	readBufferSize        = 16 * 1024
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrNotStarted = errors.New("connection loops were never started")
)

// ReplyHandler receives every reply a connection decodes, in arrival order,
// on the connection's read goroutine.
type ReplyHandler func(protocol.Reply)

type ConnOptions struct {
	// Name identifies the connection in logs and stats, e.g. "sub" or "pub"
	Name string

	Dialect protocol.Dialect

	OnReply ReplyHandler

	// OnError is called once with the error that ended the connection, if
	// it did not end through Close.
	OnError func(error)

	WriteQueueSize int

	Stats stats.Recorder

	Log *zap.Logger
}

// Conn pairs one transport stream with one decoder. Inbound bytes are fed
// through the decoder and completed replies handed to OnReply; outbound
// frames are queued for a single write loop.
type Conn struct {
	name string
	conn net.Conn

	decoder *protocol.Decoder
	// input holds bytes the decoder has not consumed yet. Only Feed touches it.
	input []byte

	onReply ReplyHandler
	onError func(error)

	mu         sync.RWMutex
	closing    bool
	closeOnce  sync.Once
	done       chan struct{}
	writeQueue chan *PendingWrite

	cancel  context.CancelFunc
	started bool
	stopped chan struct{}

	// reader is the goroutine running the read loop
	reader atomic.Uint64

	errMu sync.Mutex
	err   error

	stats stats.Recorder
	log   *zap.Logger
}

func NewConn(conn net.Conn, options ConnOptions) *Conn {
	queueSize := options.WriteQueueSize
	if queueSize < 1 {
		queueSize = defaultWriteQueueSize
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	onReply := options.OnReply
	if onReply == nil {
		onReply = func(protocol.Reply) {}
	}

	return &Conn{
		name:       options.Name,
		conn:       conn,
		decoder:    protocol.NewDecoder(options.Dialect),
		onReply:    onReply,
		onError:    options.OnError,
		done:       make(chan struct{}),
		writeQueue: make(chan *PendingWrite, queueSize),
		stopped:    make(chan struct{}),
		stats:      options.Stats,
		log:        log.With(zap.String("conn", options.Name)),
	}
}

// Start runs the read and write loops in the background. They stop when ctx
// is cancelled, Close is called or the connection fails.
func (c *Conn) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)

	c.mu.Lock()
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	group, loopCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop()
	})

	group.Go(func() error {
		return c.writeLoop(loopCtx)
	})

	// Closing the stream is the only way to interrupt a blocked Read
	group.Go(func() error {
		<-loopCtx.Done()
		c.Close()
		return nil
	})

	go func() {
		defer close(c.stopped)

		err := group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.setErr(err)
		}

		c.log.Info("Connection loops exited", zap.Error(c.Err()))
	}()
}

// Feed hands newly received bytes to the decoder and forwards every reply it
// completes. Bytes the decoder could not use yet are kept for the next call.
//
// Feed is not safe for concurrent use. Once the loops are started only the
// read loop calls it.
func (c *Conn) Feed(data []byte) error {
	if c.isClosing() {
		return ErrConnClosed
	}

	c.input = append(c.input, data...)

	replies := int64(0)
	n, err := c.decoder.Each(c.input, func(reply protocol.Reply) error {
		replies++
		c.onReply(reply)
		return nil
	})

	c.input = c.input[:copy(c.input, c.input[n:])]

	// one update per counter per delivery
	c.record("bytes_in", int64(len(data)))
	if replies > 0 {
		c.record("replies", replies)
	}

	if err != nil {
		c.record("framing_errors", 1)
		c.log.Error("Failed to decode reply, closing connection", zap.Error(err))
		c.setErr(err)
		c.Close()
		return err
	}

	return nil
}

// Write queues an encoded frame. The returned handle completes when the
// frame has been written or the connection has closed.
func (c *Conn) Write(frame []byte) *PendingWrite {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closing {
		return failedWrite(ErrConnClosed)
	}

	w := newPendingWrite(frame)

	select {
	case c.writeQueue <- w:
	case <-c.done:
		w.complete(ErrConnClosed)
	}

	return w
}

// Close closes the stream. It is safe to call more than once and from any
// goroutine, including the read loop. Queued writes fail with ErrConnClosed.
func (c *Conn) Close() (err error) {
	c.closeOnce.Do(func() {
		// wake writers blocked on a full queue before taking the lock
		close(c.done)

		c.mu.Lock()
		c.closing = true
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		err = c.conn.Close()
		c.drainWrites()
	})

	return err
}

// Done is closed as soon as Close starts.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the loops have exited and returns the error that ended
// the connection, if any.
func (c *Conn) Wait() error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}

	<-c.stopped
	return c.Err()
}

// onReadLoop reports whether the caller is running on the read loop, i.e.
// inside a reply handler.
func (c *Conn) onReadLoop() bool {
	reader := c.reader.Load()
	return reader != 0 && reader == goroutineID()
}

// Err returns the first fatal error seen on the connection.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) readLoop() error {
	c.reader.Store(goroutineID())
	defer c.reader.Store(0)

	log := c.log.Named("readLoop")
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.Feed(buf[:n]); ferr != nil {
				if errors.Is(ferr, ErrConnClosed) {
					return nil
				}
				return ferr
			}
		}

		if err != nil {
			if c.isClosing() {
				log.Debug("Connection closed, exiting...")
				return nil
			}

			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s connection closed by peer: %w", c.name, ErrConnClosed)
			}

			return fmt.Errorf("%s connection read failed: %w", c.name, err)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	log := c.log.Named("writeLoop")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case w := <-c.writeQueue:
			if _, err := c.conn.Write(w.frame); err != nil {
				w.complete(err)

				if c.isClosing() {
					return nil
				}

				log.Error("Failed to write frame", zap.Int("size", len(w.frame)), zap.Error(err))
				return fmt.Errorf("%s connection write failed: %w", c.name, err)
			}

			c.record("bytes_out", int64(len(w.frame)))
			w.complete(nil)
		}
	}
}

func (c *Conn) drainWrites() {
	for {
		select {
		case w := <-c.writeQueue:
			w.complete(ErrConnClosed)
		default:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()

	if first && c.onError != nil {
		c.onError(err)
	}
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) record(path string, delta int64) {
	if c.stats != nil {
		c.stats.Add(path, delta)
	}
}
