package broker

import (
	"errors"
	"sort"
	"sync"

	"github.com/tidwall/match"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

var ErrSlowSubscriber = errors.New("subscriber send queue is full")

// Hub tracks which sessions are subscribed to which channels and patterns.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*session]struct{}
	patterns map[string]map[*session]struct{}

	dialect protocol.Dialect
	stats   stats.Recorder
	log     *zap.Logger
}

func NewHub(dialect protocol.Dialect, recorder stats.Recorder, log *zap.Logger) *Hub {
	if dialect == nil {
		dialect = protocol.Binary
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		channels: make(map[string]map[*session]struct{}),
		patterns: make(map[string]map[*session]struct{}),
		dialect:  dialect,
		stats:    recorder,
		log:      log,
	}
}

// Subscribe adds s to channel and returns the number of subscriptions s
// holds afterwards.
func (h *Hub) Subscribe(s *session, channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	add(h.channels, channel, s)
	s.channels[channel] = struct{}{}

	return s.subscriptionCount()
}

func (h *Hub) Unsubscribe(s *session, channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	remove(h.channels, channel, s)
	delete(s.channels, channel)

	return s.subscriptionCount()
}

func (h *Hub) PSubscribe(s *session, pattern string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	add(h.patterns, pattern, s)
	s.patterns[pattern] = struct{}{}

	return s.subscriptionCount()
}

func (h *Hub) PUnsubscribe(s *session, pattern string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	remove(h.patterns, pattern, s)
	delete(s.patterns, pattern)

	return s.subscriptionCount()
}

// Channels returns the channels s is subscribed to, sorted.
func (h *Hub) Channels(s *session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return sortedKeys(s.channels)
}

// Patterns returns the patterns s is subscribed to, sorted.
func (h *Hub) Patterns(s *session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return sortedKeys(s.patterns)
}

// Remove drops every subscription s holds.
func (h *Hub) Remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel := range s.channels {
		remove(h.channels, channel, s)
	}

	for pattern := range s.patterns {
		remove(h.patterns, pattern, s)
	}

	s.channels = make(map[string]struct{})
	s.patterns = make(map[string]struct{})
}

// Subscribers is the number of sessions subscribed to channel directly.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.channels[channel])
}

// PatternSubscribers is the number of sessions subscribed to pattern.
func (h *Hub) PatternSubscribers(pattern string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.patterns[pattern])
}

// Publish sends message to every session subscribed to channel, directly or
// through a matching pattern, and returns how many deliveries were queued.
// Subscribers that cannot keep up are skipped and reported in the error.
func (h *Hub) Publish(channel string, message []byte) (receivers int, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if subs := h.channels[channel]; len(subs) > 0 {
		frame := protocol.AppendArray(nil, h.dialect, []byte("message"), []byte(channel), message)

		for s := range subs {
			if serr := s.Send(frame); serr != nil {
				err = multierr.Append(err, serr)
				continue
			}
			receivers++
		}
	}

	for pattern, subs := range h.patterns {
		if !match.Match(channel, pattern) {
			continue
		}

		frame := protocol.AppendArray(nil, h.dialect, []byte("pmessage"), []byte(pattern), []byte(channel), message)

		for s := range subs {
			if serr := s.Send(frame); serr != nil {
				err = multierr.Append(err, serr)
				continue
			}
			receivers++
		}
	}

	if h.stats != nil {
		h.stats.Add("published", 1)
		h.stats.Add("delivered", int64(receivers))
	}

	return receivers, err
}

func add(index map[string]map[*session]struct{}, key string, s *session) {
	subs, ok := index[key]
	if !ok {
		subs = make(map[*session]struct{})
		index[key] = subs
	}
	subs[s] = struct{}{}
}

func remove(index map[string]map[*session]struct{}, key string, s *session) {
	subs, ok := index[key]
	if !ok {
		return
	}

	delete(subs, s)
	if len(subs) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
