// Package version holds the build-time version string.
package version

// Version is set via -ldflags -X at build time; "dev" otherwise.
var Version = "dev"
