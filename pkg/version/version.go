package version

import (
	"fmt"
	"runtime"
)

// Name identifies the service in logs, the registry and User-Agent headers.
const Name = "rcvbuf"

// Build information, set at build time with -ldflags "-X".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
	OS        = runtime.GOOS
	Arch      = runtime.GOARCH
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        OS,
		Arch:      Arch,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s, os/arch: %s/%s)",
		Name, i.Version, i.GitCommit, i.BuildTime, i.GoVersion, i.OS, i.Arch)
}

// Short returns "rcvbuf <version>".
func (i Info) Short() string {
	return fmt.Sprintf("%s %s", Name, i.Version)
}

// UserAgent is sent by the bundled tools when talking to rcvbufd.
func (i Info) UserAgent(tool string) string {
	return fmt.Sprintf("%s/%s (%s/%s)", tool, i.Version, i.OS, i.Arch)
}
