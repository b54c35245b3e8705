package logger

import (
	"fmt"
	"io/ioutil"
	stdlog "log"
	"os"
	"path"
	"path/filepath"

	"github.com/op/go-logging"

	"github.com/axonlab/ingest/models"
)

/*
InitLogger creates and returns a logger suitable for logging
human-readable messages. Each process logs to a file named after
itself under the configured log directory, and optionally to stderr.
*/
func InitLogger(config *models.WorkerConfig) (*logging.Logger, string) {
	processName := path.Base(os.Args[0])
	logDir := config.LogDirectory
	if logDir == "" {
		logDir = "."
	} else {
		// If this fails, OpenFile will complain in just a second.
		_ = os.MkdirAll(logDir, 0755)
	}
	filename := filepath.Join(logDir, fmt.Sprintf("%s.log", processName))
	writer, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file '%s': %v\n", filename, err)
		os.Exit(1)
	}

	log := logging.MustGetLogger(processName)
	format := logging.MustStringFormatter("%{time} [%{level}] %{message}")
	logging.SetFormatter(format)
	level, err := logging.LogLevel(config.LogLevel)
	if err != nil {
		level = logging.INFO
	}
	logging.SetLevel(level, processName)

	logBackend := logging.NewLogBackend(writer, "", 0)
	if config.LogToStderr {
		// Log to BOTH file and stderr
		stderrBackend := logging.NewLogBackend(os.Stderr, "", stdlog.LstdFlags)
		stderrBackend.Color = true
		logging.SetBackend(logBackend, stderrBackend)
	} else {
		logging.SetBackend(logBackend)
	}

	return log, filename
}

/*
DiscardLogger returns a logger that writes to dev/null.
Suitable for use in testing.
*/
func DiscardLogger(module string) *logging.Logger {
	log := logging.MustGetLogger(module)
	devnull := logging.NewLogBackend(ioutil.Discard, "", 0)
	logging.SetBackend(devnull)
	logging.SetLevel(logging.INFO, module)
	return log
}
