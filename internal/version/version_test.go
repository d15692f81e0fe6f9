package version

import (
	"runtime/debug"
	"testing"
)

func TestFillFromBuildInfo(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	var info Info
	fillFromBuildInfo(&info, bi)

	if info.Version != "v1.2.3" {
		t.Fatalf("expected module version, got %q", info.Version)
	}
	if got := info.String(); got != "v1.2.3 (0123456789ab-dirty)" {
		t.Fatalf("unexpected string %q", got)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected build time %q", info.BuildTime)
	}
}

func TestLdflagsWin(t *testing.T) {
	t.Parallel()

	info := Info{Version: "v9", Commit: "abc"}
	fillFromBuildInfo(&info, &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "def"}},
	})
	if info.String() != "v9 (abc)" {
		t.Fatalf("unexpected string %q", info.String())
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()
	if Resolve().Version == "" || Resolve().GoVersion == "" {
		t.Fatal("expected a version and go version")
	}
}
