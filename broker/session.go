package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/herald/protocol"
)

const defaultSendQueueSize = 1024

// session is one client connection to the broker.
type session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	conn    net.Conn
	hub     *Hub
	dialect protocol.Dialect
	decoder *protocol.Decoder

	// guarded by hub.mu
	channels map[string]struct{}
	patterns map[string]struct{}

	sendMu     sync.RWMutex
	closed     bool
	writeQueue chan []byte
	closeOnce  sync.Once

	log *zap.Logger
}

func newSession(
	parentCtx context.Context,
	conn net.Conn,
	hub *Hub,
	queueSize int,
	log *zap.Logger,
) *session {
	ctx, cancel := context.WithCancel(parentCtx)

	if queueSize < 1 {
		queueSize = defaultSendQueueSize
	}

	return &session{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		hub:        hub,
		dialect:    hub.dialect,
		decoder:    protocol.NewDecoder(hub.dialect),
		channels:   make(map[string]struct{}),
		patterns:   make(map[string]struct{}),
		writeQueue: make(chan []byte, queueSize),
		log:        log.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
}

// Start runs the read and write loops and returns once both have exited.
func (s *session) Start() {
	s.loopWaiter.Add(2)

	go func() {
		defer s.loopWaiter.Done()
		defer s.cancel()
		s.readLoop()
	}()

	go func() {
		defer s.loopWaiter.Done()
		s.writeLoop()
	}()

	s.loopWaiter.Wait()

	s.hub.Remove(s)
	s.Close()
}

func (s *session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()

		s.cancel()
		err = s.conn.Close()
	})

	return err
}

// Send queues a frame without blocking.
func (s *session) Send(frame []byte) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		return fmt.Errorf("%s: %w", s.conn.RemoteAddr(), net.ErrClosed)
	}

	select {
	case s.writeQueue <- frame:
		return nil
	default:
		return fmt.Errorf("%s: %w", s.conn.RemoteAddr(), ErrSlowSubscriber)
	}
}

// subscriptionCount must be called with hub.mu held.
func (s *session) subscriptionCount() int {
	return len(s.channels) + len(s.patterns)
}

func (s *session) readLoop() {
	log := s.log.Named("readLoop")

	buf := make([]byte, 16*1024)
	var input []byte

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			input = append(input, buf[:n]...)

			consumed, derr := s.decoder.Each(input, s.handle)
			input = input[:copy(input, input[consumed:])]

			if derr != nil {
				log.Warn("Failed to decode client command, closing", zap.Error(derr))
				if s.hub.stats != nil {
					s.hub.stats.Add("framing_errors", 1)
				}

				s.reply(s.dialect.AppendError(nil, "ERR Protocol error: "+derr.Error()))
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("Failed to read from client", zap.Error(err))
			}
			return
		}
	}
}

func (s *session) writeLoop() {
	log := s.log.Named("writeLoop")

	for {
		select {
		case <-s.ctx.Done():
			s.flush()
			return

		case frame := <-s.writeQueue:
			if _, err := s.conn.Write(frame); err != nil {
				log.Debug("Failed to write to client", zap.Error(err))
				// unblocks the read loop
				s.conn.Close()
				return
			}
		}
	}
}

// flush writes out whatever is still queued, so a final error reply is not
// lost when the read loop gives up.
func (s *session) flush() {
	for {
		select {
		case frame := <-s.writeQueue:
			if _, err := s.conn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) handle(reply protocol.Reply) error {
	args, ok := reply.(protocol.Array)
	if !ok || len(args) == 0 {
		s.reply(s.dialect.AppendError(nil, "ERR Protocol error: expected a command array"))
		return nil
	}

	cmd, err := protocol.ParseCommand(string(args[0]))
	if err != nil {
		s.reply(s.dialect.AppendError(nil, fmt.Sprintf("ERR unknown command '%s'", string(args[0]))))
		return nil
	}

	params := args.Strings()[1:]

	if err := cmd.CheckArgs(len(params)); err != nil {
		s.reply(s.dialect.AppendError(nil,
			fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(string(cmd)))))
		return nil
	}

	switch cmd {
	case protocol.SUBSCRIBE:
		for _, channel := range params {
			s.ack("subscribe", channel, s.hub.Subscribe(s, channel))
		}

	case protocol.PSUBSCRIBE:
		for _, pattern := range params {
			s.ack("psubscribe", pattern, s.hub.PSubscribe(s, pattern))
		}

	case protocol.UNSUBSCRIBE:
		if len(params) == 0 {
			params = s.hub.Channels(s)
		}

		if len(params) == 0 {
			s.ack("unsubscribe", "", 0)
		}

		for _, channel := range params {
			s.ack("unsubscribe", channel, s.hub.Unsubscribe(s, channel))
		}

	case protocol.PUNSUBSCRIBE:
		if len(params) == 0 {
			params = s.hub.Patterns(s)
		}

		if len(params) == 0 {
			s.ack("punsubscribe", "", 0)
		}

		for _, pattern := range params {
			s.ack("punsubscribe", pattern, s.hub.PUnsubscribe(s, pattern))
		}

	case protocol.PUBLISH:
		receivers, err := s.hub.Publish(params[0], []byte(params[1]))
		if err != nil {
			s.log.Warn("Some subscribers missed a message",
				zap.String("channel", params[0]),
				zap.Error(err))
		}

		s.reply(s.dialect.AppendInteger(nil, int64(receivers)))

	case protocol.PING:
		if len(params) == 1 {
			s.reply(s.dialect.AppendBulk(nil, []byte(params[0])))
		} else {
			s.reply(s.dialect.AppendStatus(nil, "PONG"))
		}
	}

	return nil
}

func (s *session) ack(kind, target string, count int) {
	frame := s.dialect.AppendArrayHeader(nil, 3)
	frame = s.dialect.AppendBulk(frame, []byte(kind))
	frame = s.dialect.AppendBulk(frame, []byte(target))
	frame = s.dialect.AppendInteger(frame, int64(count))

	s.reply(frame)
}

func (s *session) reply(frame []byte) {
	if err := s.Send(frame); err != nil {
		s.log.Warn("Dropping reply", zap.Error(err))
	}
}
