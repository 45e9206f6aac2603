// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package buxtehude

import (
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

var (
	loggerMu  sync.RWMutex
	logger    = zap.NewNop()
	userSetIt bool

	initOnce sync.Once
)

// SetLogger installs l as the logger used for internal diagnostics (rate
// limited $$error sends, dropped packets, disconnects, and the like). It is
// safe to call at any time, from any goroutine; l may be nil to discard
// logging entirely. Calling SetLogger opts out of the default logger Init
// would otherwise install.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	userSetIt = true
	loggerMu.Unlock()
}

// Log returns the currently installed logger.
func Log() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Init performs process-wide, one-time setup for the library: installing a
// default logger if none has been set, and (on platforms where it matters)
// ignoring SIGPIPE so that a write to a half-closed UNIX peer reports an
// error from the write call rather than terminating the process.
//
// Init is idempotent: the first call performs setup, every subsequent call
// is a no-op. Server and Client call this automatically; callers normally
// never need to call it directly.
//
// On Go, writes to a closed socket already return a plain error rather than
// raising SIGPIPE — unlike the reference implementation, which must disable
// the platform's default SIGPIPE disposition by hand. The signal.Ignore
// call below is therefore a documented no-op, kept in case a future
// runtime or platform changes that behavior.
func Init() {
	initOnce.Do(func() {
		loggerMu.Lock()
		if !userSetIt {
			l, err := zap.NewProduction()
			if err != nil {
				l = zap.NewNop()
			}
			logger = l
		}
		loggerMu.Unlock()

		ignoreSIGPIPE()
	})
}

func ignoreSIGPIPE() {
	if runtime.GOOS == "windows" {
		return
	}
	signal.Ignore(syscall.SIGPIPE)
}
