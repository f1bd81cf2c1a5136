package patch

import (
	"io"
	"log"
)

var logger *log.Logger

func init() {
	logger = log.New(io.Discard, "", 0)
}

// SetLogger installs a sink for debug output.
func SetLogger(l *log.Logger) {
	logger = l
}
