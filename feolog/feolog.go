// Package feolog bootstraps the process-wide logger used by the FEO
// runtime.
//
// The runtime logs through the logiface facade; this package selects
// and configures the backend exactly once per process. Two sinks are
// available, individually or combined: a human-readable console writer
// and structured JSON records forwarded to the logd collector over a
// unix seqpacket socket (one record per datagram). When combined, the
// console receives the same JSON records as logd.
//
// The minimum level may be overridden via the FEO_LOG environment
// variable, one of OFF, ERROR, WARN, INFO, DEBUG or TRACE
// (case-insensitive).
package feolog

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/rs/zerolog"
)

// Config models the logger configuration, for Init.
type Config struct {
	// Level is the minimum level to emit. Overridden by FEO_LOG, if set
	// to a parseable value.
	Level logiface.Level

	// Console enables the console sink, on stderr. It is human-readable
	// when Logd is false; with Logd set it writes the JSON records that
	// are forwarded to logd.
	Console bool

	// Logd enables forwarding of structured records to the logd
	// collector.
	Logd bool

	// LogdSocket is the path of logd's seqpacket socket.
	// **Defaults to DefaultLogdSocket, if empty.**
	LogdSocket string
}

// DefaultLogdSocket is the well-known path of logd's seqpacket socket.
const DefaultLogdSocket = `/tmp/feo-logd.sock`

// EnvLevel is the environment variable consulted for the level filter.
const EnvLevel = `FEO_LOG`

var global atomic.Pointer[logiface.Logger[logiface.Event]]

// Init configures the process-wide logger. It must be called at most
// once, before any logging; the zero state (never initialized) logs
// nothing.
//
// An error is returned if the logd sink is requested but its socket
// cannot be dialled. Init panics if called twice.
func Init(config Config) error {
	level := config.Level
	if env, ok := ParseLevel(os.Getenv(EnvLevel)); ok {
		level = env
	}

	var logger *logiface.Logger[logiface.Event]
	if config.Logd {
		conn, err := net.Dial(`unixpacket`, socketPath(config))
		if err != nil {
			return fmt.Errorf(`feolog: failed to dial logd: %w`, err)
		}
		var w io.Writer = conn
		if config.Console {
			w = io.MultiWriter(os.Stderr, conn)
		}
		logger = logiface.New(
			stumpy.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(`ts`)),
			logiface.WithLevel[*stumpy.Event](level),
		).Logger()
	} else if config.Console {
		logger = logiface.New(
			izerolog.WithZerolog(zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
				w.Out = os.Stderr
			})).With().Timestamp().Logger()),
			logiface.WithLevel[*izerolog.Event](level),
		).Logger()
	} else {
		logger = logiface.New(
			stumpy.WithStumpy(stumpy.WithWriter(io.Discard)),
			logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
		).Logger()
	}

	if !global.CompareAndSwap(nil, logger) {
		panic(`feolog: already initialized`)
	}
	return nil
}

// L returns the process-wide logger. Before Init it returns nil, which
// the logiface builder API treats as disabled.
func L() *logiface.Logger[logiface.Event] {
	return global.Load()
}

// ParseLevel parses a level filter string, per the FEO_LOG vocabulary.
func ParseLevel(s string) (logiface.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`:
		return logiface.LevelDisabled, true
	case `ERROR`:
		return logiface.LevelError, true
	case `WARN`:
		return logiface.LevelWarning, true
	case `INFO`:
		return logiface.LevelInformational, true
	case `DEBUG`:
		return logiface.LevelDebug, true
	case `TRACE`:
		return logiface.LevelTrace, true
	}
	return 0, false
}

func socketPath(config Config) string {
	if config.LogdSocket != `` {
		return config.LogdSocket
	}
	return DefaultLogdSocket
}
