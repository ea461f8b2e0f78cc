// Package version derives the binary's version string from build metadata.
package version

import "runtime/debug"

// AppName prefixes version strings in logs and the CLI --version output.
const AppName = "agentbatch"

// gitCommitOverride can be injected with -ldflags for builds where no .git
// directory is present, e.g. container image builds from a source tarball.
var gitCommitOverride string

// GitCommit is the short commit hash the binary was built from. Falls back
// to "dev" when neither the override nor VCS build info is available, which
// is the case under `go test`.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "agentbatch/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
