package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	FormatText        = "text"
	FormatJson        = "json"
	FormatCommandLine = "commandline"
)

var validLogFormats = map[string]bool{
	FormatText:        true,
	FormatJson:        true,
	FormatCommandLine: true,
}

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, debug etc.
	Level string
	// Logging format, one of text, json or commandline.
	Format string
}

// DefaultConfig is used until the application config has been loaded.
var DefaultConfig = Config{Level: "info", Format: FormatText}

// Configure applies config to logger. All output goes to stdout.
func Configure(logger *logrus.Logger, config Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return errors.WithStack(err)
	}
	formatter, err := newFormatter(config.Format)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}, nil
	case FormatJson:
		return &logrus.JSONFormatter{}, nil
	case FormatCommandLine:
		return &CommandLineFormatter{}, nil
	}
	valid := maps.Keys(validLogFormats)
	slices.Sort(valid)
	return nil, errors.Errorf("unknown log format %q, must be one of %s", format, strings.Join(valid, ", "))
}
