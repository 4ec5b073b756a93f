package broker

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/herald/internal/stats"
)

// Server is a pub/sub broker speaking the same framing as the client.
type Server struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr          string
	reuseport     bool
	numListeners  int
	sendQueueSize int

	mu        sync.Mutex
	listeners []*listener

	hub   *Hub
	stats stats.Recorder
	log   *zap.Logger
}

func NewServer(options Options) *Server {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	numListeners := options.NumListeners
	if numListeners < 1 {
		numListeners = 1
		if options.Reuseport {
			numListeners = runtime.NumCPU()
		}
	}

	if !options.Reuseport {
		numListeners = 1
	}

	recorder := stats.Scoped(options.Stats, "broker")

	return &Server{
		addr:          net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:     options.Reuseport,
		numListeners:  numListeners,
		sendQueueSize: options.SendQueueSize,
		hub:           NewHub(options.Dialect, recorder, log.Named("hub")),
		stats:         recorder,
		log:           log,
	}
}

// Start binds every listener before returning, then accepts connections in
// the background until ctx is cancelled or Close is called.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	s.log.Info("Starting tcp listeners", zap.Int("count", s.numListeners), zap.String("dialect", s.hub.dialect.Name()))

	for i := 0; i < s.numListeners; i++ {
		ln, err := s.listen()
		if err != nil {
			cancel()
			s.closeListeners()
			return err
		}

		s.startListener(ctx, ln)
	}

	return nil
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr is the address of the first listener, useful when listening on
// port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.listeners) == 0 {
		return nil
	}

	return s.listeners[0].ln.Addr()
}

// Close immediately closes all listeners and client connections and waits
// for them to stop.
func (s *Server) Close() error {
	s.log.Info("Stopping broker")

	if s.cancel != nil {
		s.cancel()
	}

	err := s.closeListeners()
	s.stopWaiter.Wait()

	s.log.Info("Broker stopped")

	return err
}

func (s *Server) listen() (net.Listener, error) {
	if s.reuseport {
		return reuseport.Listen("tcp", s.addr)
	}

	return net.Listen("tcp", s.addr)
}

func (s *Server) startListener(ctx context.Context, ln net.Listener) {
	s.mu.Lock()
	l := &listener{
		ctx:           ctx,
		ln:            ln,
		hub:           s.hub,
		sendQueueSize: s.sendQueueSize,
		activeConns:   make(map[*session]struct{}),
		stats:         s.stats,
		log:           s.log.Named("listener").With(zap.Int("listener", len(s.listeners))),
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.stopWaiter.Add(1)

	go func() {
		defer s.stopWaiter.Done()

		if err := l.serve(); err != nil {
			s.log.Error("Listener failed", zap.Error(err))
		}
	}()
}

func (s *Server) closeListeners() (err error) {
	s.mu.Lock()
	listeners := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}

	return err
}

type listener struct {
	ctx context.Context
	ln  net.Listener

	hub           *Hub
	sendQueueSize int

	mu          sync.Mutex
	activeConns map[*session]struct{}
	closeOnce   sync.Once

	stats stats.Recorder
	log   *zap.Logger
}

func (l *listener) Close() error {
	var err error

	l.closeOnce.Do(func() {
		err = l.ln.Close()

		l.mu.Lock()
		defer l.mu.Unlock()

		for conn := range l.activeConns {
			err = multierr.Append(err, conn.Close())
		}
	})

	return err
}

func (l *listener) serve() error {
	var loopWaiter sync.WaitGroup
	defer loopWaiter.Wait()

	go func() {
		<-l.ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		sess := newSession(l.ctx, conn, l.hub, l.sendQueueSize, l.log.Named("session"))
		if !l.addConn(sess) {
			sess.Close()
			continue
		}

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer l.removeConn(sess)

			sess.Start()
		}()
	}
}

// addConn returns false once the listener is closing.
func (l *listener) addConn(sess *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.ctx.Done():
		return false
	default:
	}

	l.activeConns[sess] = struct{}{}
	l.record("connections", 1)

	return true
}

func (l *listener) removeConn(sess *session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.activeConns, sess)
	l.record("connections", -1)
}

func (l *listener) record(path string, delta int64) {
	if l.stats != nil {
		l.stats.Add(path, delta)
	}
}
