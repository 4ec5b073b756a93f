package broker

import (
	"go.uber.org/zap"

	"github.com/luma/herald/internal/stats"
	"github.com/luma/herald/protocol"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port
	Port int

	// Reuseport controls setting SO_REUSEPORT, which lets several
	// listeners share the port
	Reuseport bool

	// NumListeners defaults to the number of CPUs when Reuseport is set and
	// to 1 otherwise
	NumListeners int

	// Dialect used for integer fields, protocol.Binary when nil
	Dialect protocol.Dialect

	// SendQueueSize bounds the frames queued for one subscriber
	SendQueueSize int

	Stats stats.Recorder

	Log *zap.Logger
}
