package buildkit

import (
	"strings"

	"github.com/go-logr/logr"
)

// LogWriter sends plain progress output to a logger, one entry per write.
type LogWriter struct {
	Logger logr.Logger
}

func (w *LogWriter) Write(msg []byte) (int, error) {
	if s := strings.TrimRight(string(msg), "\n"); s != "" {
		w.Logger.Info(s)
	}

	return len(msg), nil
}
