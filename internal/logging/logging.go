// Package logging wraps an ad hoc [TAG]-prefixed fmt.Printf convention
// behind a handful of leveled helpers.
package logging

import (
	"fmt"
	"os"
)

var Verbose = os.Getenv("DYNAMORIO_LOADER_VERBOSE") != ""

func Debugf(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	fmt.Printf("[DEBUG] "+format+"\n", args...)
}

func Warnf(format string, args ...interface{}) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

func Errorf(format string, args ...interface{}) {
	fmt.Printf("[ERROR] "+format+"\n", args...)
}
