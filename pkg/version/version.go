// Package version derives the build identity reported in logs and the
// health payload. The commit is resolved once per process: an -ldflags
// override first, then VCS info from debug.BuildInfo, then "dev".
package version

import (
	"runtime/debug"
	"sync"
)

// AppName is the service name used in version strings.
const AppName = "parley"

// commitOverride is set via -ldflags for container builds where .git is
// unavailable. Empty means no override.
var commitOverride string

// Info identifies the running build.
type Info struct {
	Name   string `json:"name"`
	Commit string `json:"commit"` // short hash, or "dev"
}

// String renders "parley/<commit>" for user-agent strings and logging.
func (i Info) String() string {
	return i.Name + "/" + i.Commit
}

var resolved = sync.OnceValue(func() Info {
	return Info{Name: AppName, Commit: resolveCommit()}
})

// Get returns the build identity.
func Get() Info {
	return resolved()
}

func resolveCommit() string {
	if commitOverride != "" {
		return shortHash(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shortHash(s.Value)
			}
		}
	}
	return "dev"
}

func shortHash(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
