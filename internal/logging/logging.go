// Package logging builds the Zap logger shared by every long-running
// component, mirroring the teacher's cmd/zmux-server logger setup.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a development-style colored Zap logger named for the
// calling component (e.g. "engine", "wal", "ring").
func New(name string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	log := zap.Must(cfg.Build())
	if name != "" {
		log = log.Named(name)
	}
	return log
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
