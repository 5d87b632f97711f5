// Package version carries the build identity of the agent.
package version

import (
	"errors"
	"runtime/debug"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

// ErrUnknown is returned by Get when neither ldflags nor VCS build info
// produced a version.
var ErrUnknown = errors.New("version unknown")

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// Get returns the application version string written into provisioning
// records. It fails only when no version could be determined at all.
func Get() (string, error) {
	if Version == "" {
		return "", ErrUnknown
	}
	return Version, nil
}
