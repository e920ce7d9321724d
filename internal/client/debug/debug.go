// Package debug is a file-backed logger for the client. The TUI owns stdout,
// so diagnostics go to a log file instead, and only when enabled.
package debug

import (
	"fmt"
	"os"
	"time"
)

var (
	Enabled = os.Getenv("SEAM_DEBUG") != ""
	path    = "seam-debug.log"
)

// SetPath redirects debug output to a different file.
func SetPath(p string) {
	if p != "" {
		path = p
	}
}

// Logf appends a timestamped line to the debug log when debug mode is on.
func Logf(format string, args ...interface{}) {
	if !Enabled {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, time.Now().Format("15:04:05.000 ")+format+"\n", args...)
}
