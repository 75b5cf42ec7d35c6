package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Development environments get the console
// encoder at debug level; everything else gets the JSON production config.
func New(appEnv string) (*zap.Logger, error) {
	switch strings.ToLower(appEnv) {
	case "dev", "local", "test":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
