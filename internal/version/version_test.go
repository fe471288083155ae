package version

import "testing"

func TestCurrent(t *testing.T) {
	origV, origSHA, origT := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = origV, origSHA, origT }()

	Version, GitSHA, BuildTime = "1.2.3", "abc123", "2026-01-02"
	got := Current()
	if got.Version != "1.2.3" || got.GitSHA != "abc123" || got.BuildTime != "2026-01-02" {
		t.Errorf("Current() = %+v", got)
	}
	if s := String(); s != "lagview 1.2.3 (git abc123, built 2026-01-02)" {
		t.Errorf("String() = %q", s)
	}
}
