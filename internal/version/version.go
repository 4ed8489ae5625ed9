// Package version carries the build version stamped at release time.
package version

// Version is overridden via -ldflags at release builds.
var Version = "dev"
