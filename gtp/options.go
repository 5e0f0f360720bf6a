package gtp

import (
	"time"

	"github.com/sirupsen/logrus"
)

// logger is the logging surface the adapter needs.
type logger = logrus.FieldLogger

// Default adapter configuration values.
const (
	defaultScannerBuffer = 1 << 20 // 1 MB
	defaultStderrBuffer  = 64
	defaultKillGrace     = 5 * time.Second
)

// Options holds resolved construction-time configuration for an Engine.
type Options struct {
	// JSONTransport batches requests as a single JSON object and parses
	// stdout as one JSON value instead of raw GTP frames.
	JSONTransport bool

	// ScannerBuffer is the maximum frame size in bytes.
	ScannerBuffer int

	// StderrBuffer is the stderr event channel capacity.
	StderrBuffer int

	// KillGrace is how long Kill waits after SIGTERM before SIGKILL.
	KillGrace time.Duration

	// Logger receives wire traffic at debug level and failures at warn.
	Logger logger
}

// Option configures an Engine at spawn time.
type Option func(*Options)

// WithJSONTransport enables the JSON-framed GTP transport.
func WithJSONTransport() Option {
	return func(o *Options) { o.JSONTransport = true }
}

// WithScannerBuffer sets the maximum frame size in bytes.
// Values <= 0 are ignored.
func WithScannerBuffer(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.ScannerBuffer = size
		}
	}
}

// WithKillGrace sets the SIGTERM-to-SIGKILL grace period.
// Values <= 0 are ignored.
func WithKillGrace(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.KillGrace = d
		}
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(l logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func resolveOptions(opts ...Option) Options {
	o := Options{
		ScannerBuffer: defaultScannerBuffer,
		StderrBuffer:  defaultStderrBuffer,
		KillGrace:     defaultKillGrace,
		Logger:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
