package app

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/twinleaf/trendline/internal/render"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("snaprender", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseConfig(t *testing.T) {
	c, err := parseConfig(newFlagSet(), []string{"-db", "trendline.sqlite", "-s", "3", "-o", "out/chart", "-f", "JPG", "-tz", "UTC"})
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	if c.SnapshotID != 3 {
		t.Errorf("SnapshotID = %d, want 3", c.SnapshotID)
	}
	if c.Format != render.ImageJPEG {
		t.Errorf("Format = %q, want %q", c.Format, render.ImageJPEG)
	}
	if c.OutputFile != "out/chart.jpeg" {
		t.Errorf("OutputFile = %q, want out/chart.jpeg", c.OutputFile)
	}
	if c.TimeZone != time.UTC {
		t.Errorf("TimeZone = %v, want UTC", c.TimeZone)
	}
}

func TestParseConfig_ListNeedsNoSnapshot(t *testing.T) {
	c, err := parseConfig(newFlagSet(), []string{"-db", "trendline.sqlite", "-list"})
	if err != nil {
		t.Fatalf("parseConfig() error = %v", err)
	}
	if !c.List || c.OutputFile != "" {
		t.Errorf("parseConfig() = %+v, want list mode without output", c)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no db", []string{"-s", "1", "-o", "x"}},
		{"no snapshot", []string{"-db", "x.sqlite", "-o", "x"}},
		{"no output", []string{"-db", "x.sqlite", "-s", "1"}},
		{"bad format", []string{"-db", "x.sqlite", "-s", "1", "-o", "x", "-f", "gif"}},
		{"bad size", []string{"-db", "x.sqlite", "-s", "1", "-o", "x", "-width", "-5"}},
		{"bad timezone", []string{"-db", "x.sqlite", "-s", "1", "-o", "x", "-tz", "Mars/Olympus"}},
		{"unknown flag", []string{"-db", "x.sqlite", "-power", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseConfig(newFlagSet(), tt.args); err == nil {
				t.Fatalf("parseConfig(%v) succeeded", tt.args)
			}
		})
	}
}

func TestSeriesLabels(t *testing.T) {
	got := seriesLabels([]string{`{"port_url":"tcp://localhost","device_route":"/0","stream_id":1,"column_index":2}`, "custom"})
	want := []string{"tcp://localhost/0/1/2", "custom"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("seriesLabels()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
