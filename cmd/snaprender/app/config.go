package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/twinleaf/trendline/internal/render"
)

type Config struct {
	DBPath     string
	SnapshotID int64
	List       bool
	Journal    bool
	PlotID     string
	OutputFile string
	Format     render.ImageFormat
	Width      int
	Height     int
	TimeZone   *time.Location
}

func NewConfig() *Config {
	return &Config{
		Format:   render.ImagePNG,
		TimeZone: time.Local,
	}
}

// NewConfigFromCLI parses the command line flags
func NewConfigFromCLI() (*Config, error) {
	return parseConfig(flag.CommandLine, os.Args[1:])
}

func parseConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	c := NewConfig()

	var imageFormat, timeZone string
	fs.StringVar(&c.DBPath, "db", "", "Path to the database file")
	fs.Int64Var(&c.SnapshotID, "s", 0, "Snapshot ID")
	fs.BoolVar(&c.List, "list", false, "List stored snapshots instead of rendering one")
	fs.BoolVar(&c.Journal, "journal", false, "Print the pipeline journal instead of rendering")
	fs.StringVar(&c.PlotID, "plot", "", "Only print journal entries of this plot")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(render.ImagePNG), "Output image format. [png, jpeg]")
	fs.StringVar(&timeZone, "tz", "", "Timezone of the capture time, e.g. Europe/London (default local)")
	fs.IntVar(&c.Width, "width", 0, "Chart width in pixels (default 1200)")
	fs.IntVar(&c.Height, "height", 0, "Chart height in pixels (default 600)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	switch {
	case c.DBPath == "":
		err = errors.New("db path is required")
	case c.List, c.Journal:
	case c.SnapshotID <= 0:
		err = errors.New("snapshot id is required")
	case c.OutputFile == "":
		err = errors.New("output file is required")
	case c.Width < 0 || c.Height < 0:
		err = fmt.Errorf("invalid chart size %dx%d", c.Width, c.Height)
	}
	if err == nil {
		c.Format, err = render.ParseImageFormat(imageFormat)
	}
	if err == nil && timeZone != "" {
		c.TimeZone, err = time.LoadLocation(timeZone)
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	if c.OutputFile != "" {
		c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	}
	return c, nil
}
