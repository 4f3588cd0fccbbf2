package thmap

import "fmt"

// logf prints a diagnostic line when verbose logging is enabled. Plain
// fmt-based output, not a structured logger: this is ad-hoc tracing for
// a human watching stdout, not a machine-parsed log stream.
func logf(verbose bool, format string, args ...any) {
	if !verbose {
		return
	}
	fmt.Printf(format+"\n", args...)
}
