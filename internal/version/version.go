package version

import (
	"runtime"
	"time"
)

// These variables will be set at build time via -ldflags
var (
	// Version represents the application version (from git tags)
	Version = "dev"
	// BuildTime is the time when the binary was built
	BuildTime = "unknown"
	// CommitID is the git commit hash
	CommitID = "unknown"
)

// ControlProtocol identifies the line protocol spoken with the resource server.
const ControlProtocol = "1"

// FormattedBuildTime renders BuildTime for humans, or returns it unchanged
// when it is not RFC 3339.
func FormattedBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Info returns the version details printed by `camrelay version`.
func Info() map[string]string {
	return map[string]string{
		"Version":         Version,
		"ControlProtocol": ControlProtocol,
		"GoVersion":       runtime.Version(),
		"GitCommit":       CommitID,
		"BuildTime":       BuildTime,
		"FormattedTime":   FormattedBuildTime(),
		"OS":              runtime.GOOS,
		"Arch":            runtime.GOARCH,
	}
}
