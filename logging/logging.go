/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConf struct {
	File  string
	Level string `validate:"omitempty,oneof=trace debug info warn warning error"`
}

// Setup returns the daemon logger. With a file the output is rotated by
// lumberjack, otherwise it goes to stderr. The standard library logger is
// pointed at the same writer.
func Setup(conf LogConf) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if conf.Level != "" {
		l, err := logrus.ParseLevel(conf.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", conf.Level, err)
		}
		level = l
	}

	var out io.Writer = os.Stderr
	if conf.File != "" {
		out = &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     14,
		}
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
		DisableColors:   conf.File != "",
	})

	log.SetFlags(log.Lshortfile | log.Ltime)
	log.SetOutput(out)

	return logger, nil
}

// SetupCli configures the standard logger for CLI commands, which have no
// log file. Plain output unless verbose or debug.
func SetupCli(verbose, debug bool) {
	if verbose || debug {
		log.SetFlags(log.Lshortfile | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}
