package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version" yaml:"version"`
	Major     int    `json:"major" yaml:"major"`
	Minor     int    `json:"minor" yaml:"minor"`
	Patch     int    `json:"patch" yaml:"patch"`
	Built     string `json:"built" yaml:"built"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Get returns the linked version, filling gaps from the module build info when the
// binary was built without -ldflags.
func Get() Info {
	info := Info{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	if info.Version == "dev" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = setting.Value
			}
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
	return info
}

func (info Info) String() string {
	text := "livecode " + info.Version
	if info.GitCommit != "" {
		commit := info.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		text += fmt.Sprintf(" (%s)", commit)
	}
	if info.Built != "" {
		text += " built " + info.Built
	}
	return text
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
