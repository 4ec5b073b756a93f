package client

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

// Event is a classified reply. It is one of ChannelMessage, PatternMessage,
// SubscriptionAck or PublishReceipt.
type Event interface {
	event()
}

type ChannelMessage struct {
	Channel string
	Message string
}

type PatternMessage struct {
	Pattern string
	Channel string
	Message string
}

// SubscriptionAck confirms a subscription change. Count is the number of
// subscriptions the connection holds afterwards.
type SubscriptionAck struct {
	Kind   string
	Target string
	Count  int64
}

// PublishReceipt is the number of subscribers that received a published
// message.
type PublishReceipt struct {
	Receivers int64
}

func (ChannelMessage) event()  {}
func (PatternMessage) event()  {}
func (SubscriptionAck) event() {}
func (PublishReceipt) event()  {}

// Classify works out which event a reply carries. It returns false for
// replies that are not events, such as status lines and server errors.
func Classify(reply protocol.Reply) (Event, bool) {
	switch r := reply.(type) {
	case protocol.Integer:
		return PublishReceipt{Receivers: int64(r)}, true

	case protocol.Array:
		if len(r) == 0 {
			return nil, false
		}

		switch kind := strings.ToLower(string(r[0])); kind {
		case "message":
			if len(r) != 3 {
				return nil, false
			}
			return ChannelMessage{Channel: string(r[1]), Message: string(r[2])}, true

		case "pmessage":
			if len(r) != 4 {
				return nil, false
			}
			return PatternMessage{Pattern: string(r[1]), Channel: string(r[2]), Message: string(r[3])}, true

		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
			if len(r) != 3 {
				return nil, false
			}

			count, err := strconv.ParseInt(string(r[2]), 10, 64)
			if err != nil {
				return nil, false
			}

			return SubscriptionAck{Kind: kind, Target: string(r[1]), Count: count}, true
		}
	}

	return nil, false
}

// dispatcher routes the replies of every connection a PubSub owns.
type dispatcher struct {
	listeners *Registry
	stats     stats.Recorder
	log       *zap.Logger
}

func (d *dispatcher) dispatch(reply protocol.Reply) {
	ev, ok := Classify(reply)
	if !ok {
		switch r := reply.(type) {
		case protocol.Error:
			d.record("server_errors", 1)
			d.log.Warn("Server returned an error", zap.String("error", string(r)))
		default:
			d.log.Debug("Ignoring reply", zap.Stringer("reply", reply))
		}
		return
	}

	switch e := ev.(type) {
	case ChannelMessage:
		d.record("messages", 1)
		d.listeners.Broadcast(e)

	case PatternMessage:
		d.record("pmessages", 1)
		d.listeners.Broadcast(e)

	case SubscriptionAck:
		d.log.Info("Subscription changed",
			zap.String("kind", e.Kind),
			zap.String("target", e.Target),
			zap.Int64("count", e.Count))

	case PublishReceipt:
		d.log.Debug("Clients received published message", zap.Int64("receivers", e.Receivers))
	}
}

func (d *dispatcher) record(path string, delta int64) {
	if d.stats != nil {
		d.stats.Add(path, delta)
	}
}
