// Package logging provides minimal leveled logging helpers shared by all
// services. Timestamps are UTC RFC3339Nano so lines from the write and read
// paths interleave cleanly in aggregated output.
package logging

import (
	"log"
	"time"
)

func Infof(format string, args ...any) {
	log.Printf("INFO  %s "+format, append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)...)
}

func Warnf(format string, args ...any) {
	log.Printf("WARN  %s "+format, append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)...)
}

func Errorf(format string, args ...any) {
	log.Printf("ERROR %s "+format, append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)...)
}
