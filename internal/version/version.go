// Package version carries build metadata injected through -ldflags.
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)

// String renders the build metadata in one line.
func String() string {
	return Version + " (" + Commit + ", " + BuildDate + ")"
}
