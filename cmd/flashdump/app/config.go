package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	FormatCSV    = "csv"
	FormatBinary = "binary"
)

type OutputFormat string

type Config struct {
	DBPath     string
	SessionID  string
	OutputFile string
	Format     OutputFormat
	Verify     bool
}

var validOutputFormats = map[OutputFormat]struct{}{
	FormatCSV:    {},
	FormatBinary: {},
}

func NewConfig() *Config {
	return &Config{
		Format: FormatCSV,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var outputFormat string
	flag.StringVar(&c.DBPath, "db", "", "Path to the flash log database file")
	flag.StringVar(&c.SessionID, "s", "", "Session ID to dump; omit to list sessions")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file; defaults to stdout")
	flag.StringVar(&outputFormat, "f", FormatCSV, "Output format. [csv, binary]")
	flag.BoolVar(&c.Verify, "verify", false, "Verify record checksums while dumping")
	flag.Parse()

	outputFormat = strings.ToLower(outputFormat)

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if _, ok := validOutputFormats[OutputFormat(outputFormat)]; !ok {
		err = fmt.Errorf("invalid output format: %s", outputFormat)
	} else if outputFormat == FormatBinary && c.OutputFile == "" {
		err = errors.New("binary format requires an output file")
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = OutputFormat(outputFormat)
	return c, nil
}
