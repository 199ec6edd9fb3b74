package coalesce

import (
	"sync"

	"go.uber.org/zap"
)

// defaultLogger mirrors the wasm-runtime example's Logger(): a
// package-level *zap.Logger behind a sync.Once, defaulting to a no-op
// so CoalescedMessageType never needs a nil check on its hot path.
var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

func nopLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = zap.NewNop()
		}
	})
	return defaultLogger
}

// SetDefaultLogger installs the *zap.Logger new CoalescedMessageType
// instances use when no WithLogger option is given. Call once during
// startup, before constructing any message type, to avoid a race with
// nopLogger's lazy default.
func SetDefaultLogger(l *zap.Logger) {
	defaultLoggerOnce.Do(func() {})
	defaultLogger = l
}
