package elfview

import (
	"io"
	"log"

	"github.com/Rtoax/elfview/patch"
	"github.com/Rtoax/elfview/task"
)

var logger *log.Logger

func init() {
	logger = log.New(io.Discard, "", 0)
}

// SetLogger installs one sink for this package and the task and patch
// layers. The library never writes to stdout on its own.
func SetLogger(l *log.Logger) {
	logger = l
	task.SetLogger(l)
	patch.SetLogger(l)
}
