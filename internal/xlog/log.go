//go:build !release

package xlog

import "log"

// Print calls the standard log.Print()
func Print(v ...interface{}) {
	log.Print(v...)
}

// Printf calls the standard log.Printf()
func Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

// Debug calls the standard log.Print(); debug logging is live in non-release builds.
func Debug(v ...interface{}) {
	log.Print(v...)
}

// Debugf calls the standard log.Printf(); debug logging is live in non-release builds.
func Debugf(format string, v ...interface{}) {
	log.Printf(format, v...)
}
