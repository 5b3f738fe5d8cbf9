package config

import (
	"fmt"
	"os"
)

// Exitf prints the message to stderr and exits with status 1. Mains call it
// for startup failures so usage errors come out without a log prefix; it
// never belongs in code a test might reach.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
