package client

import (
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener receives the messages of every subscription on a PubSub.
type Listener interface {
	OnChannelMessage(channel, message string)
	OnPatternMessage(pattern, channel, message string)
}

// NopListener ignores everything. Embed it to implement only the callbacks
// you need.
type NopListener struct{}

func (NopListener) OnChannelMessage(channel, message string)          {}
func (NopListener) OnPatternMessage(pattern, channel, message string) {}

// ListenerFuncs adapts plain functions to a Listener. Nil funcs are skipped.
// Register a *ListenerFuncs, the registry tells listeners apart by identity.
type ListenerFuncs struct {
	ChannelMessage func(channel, message string)
	PatternMessage func(pattern, channel, message string)
}

func (f *ListenerFuncs) OnChannelMessage(channel, message string) {
	if f.ChannelMessage != nil {
		f.ChannelMessage(channel, message)
	}
}

func (f *ListenerFuncs) OnPatternMessage(pattern, channel, message string) {
	if f.PatternMessage != nil {
		f.PatternMessage(pattern, channel, message)
	}
}

type registration struct {
	listener Listener
	removed  atomic.Bool

	// mu is held for the whole of a callback, so callbacks on one listener
	// never overlap and Unregister can wait for the one in flight.
	mu sync.Mutex

	// caller is the goroutine running a callback, 0 when idle
	caller atomic.Uint64
}

// Registry is a copy-on-write set of listeners. Broadcasts read an immutable
// snapshot and never block registration changes. Callbacks on a single
// listener are serialized.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Value // []*registration

	faults atomic.Int64

	log *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}

	r := &Registry{log: log}
	r.snapshot.Store([]*registration(nil))

	return r
}

// Register adds a listener. It returns false when the listener is nil,
// already registered, or of a type that cannot be compared.
func (r *Registry) Register(l Listener) bool {
	if l == nil {
		return false
	}

	if !reflect.TypeOf(l).Comparable() {
		r.log.Warn("Refusing listener that cannot be compared, register a pointer instead",
			zap.String("type", reflect.TypeOf(l).String()))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	for _, reg := range current {
		if reg.listener == l {
			return false
		}
	}

	next := make([]*registration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, &registration{listener: l})
	r.snapshot.Store(next)

	return true
}

// Unregister removes a listener. Once it returns no callback runs on that
// listener: a callback in flight on another goroutine is waited for. Called
// from within the listener's own callback it returns without waiting.
func (r *Registry) Unregister(l Listener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}

	reg := r.remove(l)
	if reg == nil {
		return false
	}

	if caller := reg.caller.Load(); caller == 0 || caller != goroutineID() {
		reg.mu.Lock()
		reg.mu.Unlock() //nolint:staticcheck
	}

	return true
}

func (r *Registry) remove(l Listener) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	for i, reg := range current {
		if reg.listener != l {
			continue
		}

		reg.removed.Store(true)

		next := make([]*registration, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		r.snapshot.Store(next)

		return reg
	}

	return nil
}

func (r *Registry) Len() int {
	return len(r.load())
}

// Faults is the number of listener callbacks that panicked.
func (r *Registry) Faults() int64 {
	return r.faults.Load()
}

// Broadcast delivers a message event to every registered listener and
// returns how many were called. Other events are not delivered.
func (r *Registry) Broadcast(ev Event) int {
	switch ev.(type) {
	case ChannelMessage, PatternMessage:
	default:
		return 0
	}

	regs := r.load()
	if len(regs) == 0 {
		return 0
	}

	caller := goroutineID()
	delivered := 0

	for _, reg := range regs {
		if r.deliver(reg, caller, ev) {
			delivered++
		}
	}

	return delivered
}

// deliver calls one listener unless it has been removed, containing any
// panic so the remaining listeners still receive the event.
func (r *Registry) deliver(reg *registration, caller uint64, ev Event) (ok bool) {
	// a broadcast from inside this listener's own callback
	if caller != 0 && reg.caller.Load() == caller {
		return false
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.removed.Load() {
		return false
	}

	reg.caller.Store(caller)
	defer reg.caller.Store(0)

	defer func() {
		if p := recover(); p != nil {
			r.faults.Add(1)
			r.log.Error("Listener panicked",
				zap.String("listener", reflect.TypeOf(reg.listener).String()),
				zap.Any("panic", p))
			ok = false
		}
	}()

	switch e := ev.(type) {
	case ChannelMessage:
		reg.listener.OnChannelMessage(e.Channel, e.Message)
	case PatternMessage:
		reg.listener.OnPatternMessage(e.Pattern, e.Channel, e.Message)
	}

	return true
}

func (r *Registry) load() []*registration {
	return r.snapshot.Load().([]*registration)
}
