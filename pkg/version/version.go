package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version is the release of the running binary. Release builds set it with
// -ldflags "-X github.com/consulalertd/consulalertd/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = deriveVersion(Version)
}

// Summary is the one-line banner printed by the version command.
func Summary() string {
	return fmt.Sprintf("consul-alertd %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// deriveVersion keeps an ldflags override and otherwise falls back to the
// module version, then to the VCS revision embedded by the go tool.
func deriveVersion(current string) string {
	if current != "" && current != defaultVersion {
		return current
	}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return current
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if rev := revision(info.Settings); rev != "" {
		return "devel+" + rev
	}
	return current
}

func revision(settings []debug.BuildSetting) string {
	var rev string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = strings.TrimSpace(s.Value)
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}
