// Package utils
package utils

import (
	"io"
	"log"
	"os"
)

// SetupLogging mirrors the standard logger to a file next to stderr so a
// crashed session still leaves a trail. Returns a closer for the file; on
// open failure logging stays on stderr only.
func SetupLogging(path string) io.Closer {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Logging to %s unavailable: %v", path, err)
		return io.NopCloser(nil)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return file
}
