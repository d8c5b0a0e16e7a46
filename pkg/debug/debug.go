// Package debug provides global debug/verbose logging control
package debug

import (
	"fmt"
	"io"
	"os"
)

// Verbose controls whether debug output is enabled
var Verbose bool

// Output is the destination for debug output. Defaults to stderr so
// diagnostic lines never mix with result tables on stdout.
var Output io.Writer = os.Stderr

// Printf prints debug output if verbose mode is enabled
func Printf(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(Output, "[DEBUG] "+format, args...)
	}
}

// Println prints debug output if verbose mode is enabled
func Println(args ...interface{}) {
	if Verbose {
		fmt.Fprint(Output, "[DEBUG] ")
		fmt.Fprintln(Output, args...)
	}
}
