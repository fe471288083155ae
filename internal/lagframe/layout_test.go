package lagframe

import (
	"strings"
	"testing"
)

func TestProfiles_Valid(t *testing.T) {
	for _, name := range ProfileNames() {
		l, ok := Profile(name)
		if !ok {
			t.Fatalf("Profile(%q) not found", name)
		}
		if err := l.Validate(); err != nil {
			t.Errorf("Profile(%q).Validate() error = %v", name, err)
		}
	}
}

func TestProfile_Unknown(t *testing.T) {
	if _, ok := Profile("nope"); ok {
		t.Error("Profile(nope) found, want missing")
	}
}

func TestProfile_ReturnsCopy(t *testing.T) {
	a, _ := Profile("serial-6x64")
	a.Marker[0] = 'Z'
	b, _ := Profile("serial-6x64")
	if b.Marker[0] != 'D' {
		t.Errorf("profile marker mutated through a copy: %q", b.Marker)
	}
}

func TestLayout_ResyncBytes(t *testing.T) {
	cases := []struct {
		profile string
		want    int
	}{
		{"serial-6x64", 252 + 5*256},
		{"serial-15x128", 381 + 14*384},
	}
	for _, c := range cases {
		l, _ := Profile(c.profile)
		if got := l.ResyncBytes(); got != c.want {
			t.Errorf("%s ResyncBytes() = %d, want %d", c.profile, got, c.want)
		}
	}
}

func TestLayout_Counts(t *testing.T) {
	cases := []struct {
		profile   string
		baselines int
		frame     int
	}{
		{"serial-6x64", 6, 256},
		{"serial-15x128", 15, 384},
		{"udp-15x128", 15, 512},
		{"udp-28x256", 28, 1024},
	}
	for _, c := range cases {
		l, _ := Profile(c.profile)
		if got := l.BaselineCount(); got != c.baselines {
			t.Errorf("%s BaselineCount() = %d, want %d", c.profile, got, c.baselines)
		}
		if got := l.FrameBytes(); got != c.frame {
			t.Errorf("%s FrameBytes() = %d, want %d", c.profile, got, c.frame)
		}
	}
}

func TestLayout_ValidateErrors(t *testing.T) {
	base, _ := Profile("udp-28x256")
	cases := []struct {
		name   string
		mutate func(*Layout)
		substr string
	}{
		{"mics", func(l *Layout) { l.Mics = 1 }, "mics"},
		{"lags", func(l *Layout) { l.LagCount = 0 }, "lag_count"},
		{"width", func(l *Layout) { l.BytesPerLag = 2 }, "bytes_per_lag"},
		{"skip", func(l *Layout) { l.SkipThreshold = 256 }, "skip_threshold"},
		{"floor", func(l *Layout) { l.RangeFloor = 0 }, "range_floor"},
		{"overlap", func(l *Layout) { l.SkipThreshold = 0 }, "overlaps"},
		{"validator", func(l *Layout) { l.Validator = "crc" }, "unknown validator"},
		{"table", func(l *Layout) { l.Validator = ValidatorMarkerTable }, "marker table"},
		{"positional", func(l *Layout) { l.Validator = ValidatorPositional }, "train marker"},
		{"header", func(l *Layout) { l.HeaderSize = -1 }, "header_size"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l := base
			c.mutate(&l)
			err := l.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil")
			}
			if !strings.Contains(err.Error(), c.substr) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, c.substr)
			}
		})
	}
}

func TestLayout_HeaderSizeAllowsZeroSkip(t *testing.T) {
	l, _ := Profile("udp-28x256")
	l.HeaderSize = 4
	l.SkipThreshold = 0
	if err := l.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
