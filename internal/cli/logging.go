package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/javanstorm/macvm/internal/config"
)

// setupLogging configures the standard logrus logger from cfg.
func setupLogging(cfg *config.Config, out *os.File) {
	logrus.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(cfg.LogFormat, term.IsTerminal(int(out.Fd()))))
}

// newFormatter picks the log formatter. In auto mode a terminal gets
// coloured text and anything else gets JSON.
func newFormatter(format string, tty bool) logrus.Formatter {
	switch format {
	case config.LogFormatJSON:
		return &logrus.JSONFormatter{}
	case config.LogFormatText:
		return &logrus.TextFormatter{FullTimestamp: true, DisableColors: !tty}
	}

	if tty {
		return &logrus.TextFormatter{FullTimestamp: true, ForceColors: true}
	}
	return &logrus.JSONFormatter{}
}
