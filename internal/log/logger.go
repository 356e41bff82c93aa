// Package log provides structured logging for the emulator using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with emulator-specific field helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adapts an already-built *zap.Logger (as threaded through
// bootstrap.New/jvm.NewBridge's constructor boundary) into a Logger, so
// callers past that boundary get the domain field helpers below instead of
// hand-rolling zap.Field calls at each call site. A nil z yields a no-op
// Logger rather than a nil pointer.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return NewNop()
	}
	return &Logger{Logger: z}
}

// Stub logs native-ABI stub installation/invocation events.
func (l *Logger) Stub(msg string, fields ...zap.Field) {
	l.Debug(msg, fields...)
}

// StubInstall logs when a stub is installed at an address.
func (l *Logger) StubInstall(category, name string, addr uint32, source string) {
	l.Debug("installed",
		zap.String("cat", category),
		zap.String("fn", name),
		Addr(addr),
		zap.String("src", source),
	)
}

// StubFallback logs when a fallback stub returns zero for an unimplemented
// call.
func (l *Logger) StubFallback(name string) {
	l.Debug("fallback",
		zap.String("fn", name),
		zap.String("ret", "0"),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// ClassBuilt logs a GuestClass the JVM bridge builder has just materialized
// (§4.5): name, guest address, and the vtable slot it was published under.
func (l *Logger) ClassBuilt(name string, addr uint32, vtableIndex uint32) {
	l.Debug("class built",
		zap.String("class", name),
		Addr(addr),
		zap.Uint32("vtable_index", vtableIndex),
	)
}

// Dispatch logs a host->guest virtual method invocation (§4.7), recording
// which of the two calling conventions was taken — the distinction the
// non-native argument-marshalling fix in this package's bridge depends on
// staying correct.
func (l *Logger) Dispatch(name, descriptor string, native bool, target uint32) {
	l.Debug("dispatch",
		zap.String("method", name),
		zap.String("descriptor", descriptor),
		zap.Bool("native", native),
		Addr(target),
	)
}

// Fault logs a terminal emulation error with the register fields SPEC_FULL
// §7 calls for (addr, pc, lr) as distinct structured fields rather than one
// flattened report string, so they survive into whatever sink is actually
// wired (console in development, JSON in production).
func (l *Logger) Fault(msg string, addr, pc, lr uint32, fields ...zap.Field) {
	all := append([]zap.Field{Addr(addr), Ptr("pc", pc), Ptr("lr", lr)}, fields...)
	l.Error(msg, all...)
}

// Hex formats a uint32 as a hex string for logging.
func Hex(addr uint32) string {
	return "0x" + hexString(uint64(addr))
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
