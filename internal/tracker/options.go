package tracker

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultEventBuffer is the capacity of a tracker's Events channel.
const DefaultEventBuffer = 16

type options struct {
	logger     zerolog.Logger
	buffer     int
	newBatchID func() string
}

// Option configures a tracker.
type Option func(*options)

// WithLogger sets the logger for tracker events. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventBuffer sets the Events channel capacity. Values <= 0 keep the default.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithBatchIDGenerator overrides how pipeline batch ids are minted.
func WithBatchIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newBatchID = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     zerolog.Nop(),
		buffer:     DefaultEventBuffer,
		newBatchID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
