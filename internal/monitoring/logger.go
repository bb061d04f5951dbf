// Package monitoring holds the process-wide log sink and the prometheus
// collectors shared by the bridge packages.
package monitoring

import "log"

// Logf is where every library package logs. Components prefix their lines
// with a bracketed tag such as "[link]".
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger redirects Logf; tests pass t.Logf. nil discards all output.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a recoverable problem (a dropped connection, an unparsable
// record) with the "Warning: " prefix.
func Warnf(format string, v ...interface{}) {
	Logf("Warning: "+format, v...)
}
