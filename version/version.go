package version

import "fmt"

// values are set at build time via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	BuildedBy = "local"

	FullVersion = fmt.Sprintf("%s (%s, %s, %s)", Version, Commit, Date, BuildedBy)
)
