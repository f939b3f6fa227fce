package observability

import (
	"go.uber.org/zap"
)

// Logger is the logging surface the core packages depend on. Both the gofulmen
// logger and *zap.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

var nop Logger = zap.NewNop()

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nop
}

// Server returns the server logger, or a no-op logger before initialization.
func Server() Logger {
	if ServerLogger == nil {
		return nop
	}
	return ServerLogger
}

// CLI returns the CLI logger, or a no-op logger before initialization.
func CLI() Logger {
	if CLILogger == nil {
		return nop
	}
	return CLILogger
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop
	}
	return l
}
