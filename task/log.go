package task

import (
	"io"
	"log"
)

var logger *log.Logger

func init() {
	logger = log.New(io.Discard, "", 0)
}

// SetLogger installs a sink for debug output. The package never writes to
// stdout on its own.
func SetLogger(l *log.Logger) {
	logger = l
}
