package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

const DefaultConnectTimeout = 2 * time.Second

var ErrClosed = errors.New("pubsub closed")

type Options struct {
	Host string
	Port int

	// ConnectTimeout bounds each dial, DefaultConnectTimeout when zero
	ConnectTimeout time.Duration

	// Dialect of the integer fields on the wire, protocol.Binary when nil
	Dialect protocol.Dialect

	// Dialer opens the transport, a TCPDialer when nil
	Dialer Dialer

	Stats stats.Recorder

	Log *zap.Logger
}

// PubSub multiplexes subscriptions over one subscription connection and
// publishes over a second connection opened on first use.
type PubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	addr    string
	timeout time.Duration
	dialect protocol.Dialect
	dialer  Dialer

	sub *Conn

	pub       atomic.Pointer[Conn]
	pubMu     sync.Mutex
	dialGroup singleflight.Group

	listeners *Registry
	dispatch  *dispatcher

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	errs chan error

	stats stats.Recorder
	log   *zap.Logger
}

// New connects the subscription connection. Cancelling ctx closes every
// connection the PubSub owns.
func New(ctx context.Context, options Options) (*PubSub, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	timeout := options.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialect := options.Dialect
	if dialect == nil {
		dialect = protocol.Binary
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = TCPDialer{}
	}

	addr := net.JoinHostPort(options.Host, strconv.Itoa(options.Port))
	listeners := NewRegistry(log.Named("listeners"))

	p := &PubSub{
		addr:      addr,
		timeout:   timeout,
		dialect:   dialect,
		dialer:    dialer,
		listeners: listeners,
		dispatch: &dispatcher{
			listeners: listeners,
			stats:     stats.Scoped(options.Stats, "events"),
			log:       log.Named("dispatch"),
		},
		errs:  make(chan error, 4),
		stats: options.Stats,
		log:   log.With(zap.String("addr", addr)),
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	sub, err := p.open("sub")
	if err != nil {
		p.cancel()
		return nil, err
	}
	p.sub = sub

	return p, nil
}

func (p *PubSub) Addr() string {
	return p.addr
}

func (p *PubSub) Subscribe(channels ...string) *PendingWrite {
	return p.send(p.sub, protocol.SUBSCRIBE, channels...)
}

// Unsubscribe from channels, or from every channel when none are given.
func (p *PubSub) Unsubscribe(channels ...string) *PendingWrite {
	return p.send(p.sub, protocol.UNSUBSCRIBE, channels...)
}

func (p *PubSub) PSubscribe(patterns ...string) *PendingWrite {
	return p.send(p.sub, protocol.PSUBSCRIBE, patterns...)
}

// PUnsubscribe from patterns, or from every pattern when none are given.
func (p *PubSub) PUnsubscribe(patterns ...string) *PendingWrite {
	return p.send(p.sub, protocol.PUNSUBSCRIBE, patterns...)
}

// Publish sends one PUBLISH per message. Messages are trimmed and empty ones
// are skipped. The publish connection is opened on the first call that has
// something to send.
func (p *PubSub) Publish(channel string, messages ...string) ([]*PendingWrite, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	trimmed := make([]string, 0, len(messages))
	for _, message := range messages {
		if message = strings.TrimSpace(message); message != "" {
			trimmed = append(trimmed, message)
		}
	}

	if len(trimmed) == 0 {
		return nil, nil
	}

	pub, err := p.publishConn()
	if err != nil {
		return nil, err
	}

	writes := make([]*PendingWrite, 0, len(trimmed))
	for _, message := range trimmed {
		writes = append(writes, p.send(pub, protocol.PUBLISH, channel, message))
	}

	return writes, nil
}

func (p *PubSub) RegisterListener(l Listener) bool {
	return p.listeners.Register(l)
}

func (p *PubSub) UnregisterListener(l Listener) bool {
	return p.listeners.Unregister(l)
}

func (p *PubSub) Listeners() *Registry {
	return p.listeners
}

// Err reports errors that ended one of the connections, such as framing
// errors or the server going away. Reconnecting is left to the caller.
func (p *PubSub) Err() <-chan error {
	return p.errs
}

// Close closes both connections and waits for their loops to exit, so no
// listener is called once it returns. Called from a listener it does not wait
// for the loop delivering to that listener. It is safe to call more than once.
func (p *PubSub) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		// wait out a publish connection being dialled
		p.pubMu.Lock()
		pub := p.pub.Load()
		p.pubMu.Unlock()

		conns := []*Conn{p.sub}
		if pub != nil {
			conns = append(conns, pub)
		}

		var err error
		for _, conn := range conns {
			err = multierr.Append(err, conn.Close())
		}

		p.cancel()

		for _, conn := range conns {
			if !conn.onReadLoop() {
				// the error that ended the loops was already reported on Err
				_ = conn.Wait()
			}
		}

		p.closeErr = err

		p.log.Info("Closed", zap.Bool("hadPublishConn", pub != nil), zap.Error(err))
	})

	return p.closeErr
}

// publishConn returns the publish connection, dialling it exactly once.
func (p *PubSub) publishConn() (*Conn, error) {
	if pub := p.pub.Load(); pub != nil {
		return pub, nil
	}

	v, err, _ := p.dialGroup.Do(p.addr, func() (interface{}, error) {
		p.pubMu.Lock()
		defer p.pubMu.Unlock()

		if pub := p.pub.Load(); pub != nil {
			return pub, nil
		}

		if p.closed.Load() {
			return nil, ErrClosed
		}

		pub, err := p.open("pub")
		if err != nil {
			return nil, err
		}

		p.pub.Store(pub)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Conn), nil
}

func (p *PubSub) open(name string) (*Conn, error) {
	rawConn, err := p.dialer.Dial(p.ctx, p.addr, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection to %s: %w", name, p.addr, err)
	}

	conn := NewConn(rawConn, ConnOptions{
		Name:    name,
		Dialect: p.dialect,
		OnReply: p.dispatch.dispatch,
		OnError: p.reportError,
		Stats:   stats.Scoped(p.stats, "conns."+name),
		Log:     p.log.Named(name),
	})
	conn.Start(p.ctx)

	p.log.Info("Connected", zap.String("conn", name))

	return conn, nil
}

func (p *PubSub) send(conn *Conn, cmd protocol.Command, args ...string) *PendingWrite {
	if p.closed.Load() {
		return failedWrite(ErrClosed)
	}

	frame, err := protocol.AppendCommand(nil, p.dialect, cmd, args...)
	if err != nil {
		return failedWrite(err)
	}

	return conn.Write(frame)
}

func (p *PubSub) reportError(err error) {
	p.log.Error("Connection failed", zap.Error(err))

	select {
	case p.errs <- err:
	default:
	}
}
