package lifecycle

import (
	"io"
	"time"

	"github.com/go-logr/logr"
)

var defaultOpts = options{
	log:            logr.Discard(),
	pollInterval:   time.Second,
	timeout:        30 * time.Minute,
	cleanupTimeout: 30 * time.Second,
}

type options struct {
	log            logr.Logger
	pollInterval   time.Duration
	timeout        time.Duration
	cleanupTimeout time.Duration
	terminal       PhaseSet
	observer       Observer
	logSink        io.Writer
}

type Option func(o options) options

func Logger(log logr.Logger) Option {
	return func(o options) options {
		o.log = log
		return o
	}
}

// PollInterval sets the pause between two status reads.
func PollInterval(d time.Duration) Option {
	return func(o options) options {
		o.pollInterval = d
		return o
	}
}

// Timeout bounds WaitUntilTerminal.
func Timeout(d time.Duration) Option {
	return func(o options) options {
		o.timeout = d
		return o
	}
}

// CleanupTimeout bounds the delete issued by Run.
func CleanupTimeout(d time.Duration) Option {
	return func(o options) options {
		o.cleanupTimeout = d
		return o
	}
}

// TerminalPhases replaces the default {Succeeded, Failed} terminal set. An empty list keeps the current set.
func TerminalPhases(phases ...Phase) Option {
	return func(o options) options {
		if len(phases) == 0 {
			return o
		}
		o.terminal = NewPhaseSet(phases...)
		return o
	}
}

func WithObserver(obs Observer) Option {
	return func(o options) options {
		o.observer = obs
		return o
	}
}

// StreamLogs copies resource output to w once a terminal phase is observed.
// The client must implement LogReader.
func StreamLogs(w io.Writer) Option {
	return func(o options) options {
		o.logSink = w
		return o
	}
}
