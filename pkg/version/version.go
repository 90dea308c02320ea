package version

var (
	Program      = "meshd"
	ProgramUpper = "MESHD"
	Version      = "dev"
	GitCommit    = "HEAD"
)
