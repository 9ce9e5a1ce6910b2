package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
	"strings"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func currentVersion() versionPayload {
	return versionPayload{
		Version:   strings.TrimSpace(version),
		Commit:    buildCommit(),
		BuildDate: strings.TrimSpace(buildDate),
		GoVersion: goruntime.Version(),
	}
}

func (p versionPayload) String() string {
	return fmt.Sprintf("sbinspect %s (commit=%s, build_date=%s, %s)", p.Version, p.Commit, p.BuildDate, p.GoVersion)
}

func versionCmd(args []string) int {
	return runVersionCmd(args, os.Stdout, os.Stderr)
}

func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	long := fs.Bool("long", false, "")
	asJSON := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "version: %v\n", err)
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "version: unexpected positional arguments")
		return 2
	}

	p := currentVersion()
	if *asJSON {
		if err := json.NewEncoder(stdout).Encode(p); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return 1
		}
		return 0
	}
	if *long {
		fmt.Fprintln(stdout, p.String())
	} else {
		fmt.Fprintln(stdout, p.Version)
	}
	return 0
}

// buildCommit prefers the -ldflags value and falls back to the VCS revision
// the go tool stamps into the binary.
func buildCommit() string {
	if c := strings.TrimSpace(commit); c != "" && c != "unknown" {
		return c
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return s.Value
		}
	}
	return "unknown"
}
