// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package app

import (
	"log"
)

// Infof logs a formatted informational message to the default logger.
func Infof(format string, args ...any) {
	log.Printf("INFO: "+format, args...)
}

// Errorf logs a formatted error message to the default logger. It never
// returns an error itself; callers that need one should use fmt.Errorf
// directly and log separately.
func Errorf(format string, args ...any) {
	log.Printf("ERROR: "+format, args...)
}

// Fatalf logs a formatted error message and exits the process. Reserved
// for cmd/ entrypoints; library code must never call it.
func Fatalf(format string, args ...any) {
	log.Fatalf("FATAL: "+format, args...)
}
