// Package version reports the build of the running binary.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the released version, overridable at build time:
//
//	go build -ldflags "-X github.com/hrygo/uncanny/internal/version.Version=0.3.0"
var Version = "0.1.0"

// DevVersion is reported in dev and demo modes.
var DevVersion = "0.1.0-dev"

// Commit and BuildTime are set through ldflags.
var (
	Commit    = ""
	BuildTime = ""
)

// Current returns the version reported in mode.
func Current(mode string) string {
	if mode == "dev" || mode == "demo" {
		return DevVersion
	}
	return Version
}

// canonical prefixes v as golang.org/x/mod/semver requires.
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Valid reports whether v is a semantic version, with or without the leading v.
func Valid(v string) bool {
	return semver.IsValid(canonical(v))
}

// Compare returns -1, 0 or +1. Invalid versions sort before valid ones.
func Compare(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

// AtLeast reports whether v is target or newer.
func AtLeast(v, target string) bool {
	return Compare(v, target) >= 0
}

// Minor returns major.minor of v, or "" when v is invalid.
func Minor(v string) string {
	if !Valid(v) {
		return ""
	}
	return strings.TrimPrefix(semver.MajorMinor(canonical(v)), "v")
}

// String returns the version with the short commit when known.
func String(mode string) string {
	v := Current(mode)
	if Commit != "" {
		short := Commit
		if len(short) > 8 {
			short = short[:8]
		}
		v = fmt.Sprintf("%s+%s", v, short)
	}
	return v
}

// Full returns the version and its build metadata on one line.
func Full(mode string) string {
	parts := []string{"version=" + Current(mode)}
	if Commit != "" {
		parts = append(parts, "commit="+Commit)
	}
	if BuildTime != "" {
		parts = append(parts, "built="+BuildTime)
	}
	return strings.Join(parts, " ")
}
