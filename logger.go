package serial

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu      sync.RWMutex
	logEnabled = true
	baseLogger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("component", "easyserial").Logger()
)

// SetLogger replaces the package logger.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	baseLogger = l
	logMu.Unlock()
}

// EnableLogging turns package logging on or off. Logging is on by default.
func EnableLogging(on bool) {
	logMu.Lock()
	logEnabled = on
	logMu.Unlock()
}

func logger() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if !logEnabled {
		l := zerolog.Nop()
		return &l
	}
	l := baseLogger
	return &l
}

func logSend(path string, p []byte) {
	logger().Debug().Str("device", path).Hex("data", p).Msg("send")
}

func logReceive(path string, p []byte) {
	logger().Debug().Str("device", path).Hex("data", p).Msg("receive")
}
