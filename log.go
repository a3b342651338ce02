package websocket

import (
	"os"

	"go.uber.org/zap"
)

func must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

// newLogger is used when no logger was configured. Logging stays off
// unless WS_LOG=1, in which case a development logger writes to stdout
// or to WS_LOG_FILE.
func newLogger() *zap.Logger {
	if os.Getenv("WS_LOG") != "1" {
		return zap.NewNop()
	}

	cfg := zap.NewDevelopmentConfig()
	if path := os.Getenv("WS_LOG_FILE"); path != "" {
		cfg.OutputPaths = []string{path}
	}

	return must(cfg.Build())
}
