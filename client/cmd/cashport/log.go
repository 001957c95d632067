// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"cashport.org/cashport/pay"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const maxLogRolls = 16

// logWriter implements an io.Writer that outputs to a rotating log file
// and, optionally, stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// initLogging initializes the logging rotator to write logs to logFilename
// and create roll files in the same directory. The returned close function
// must be called on shutdown to flush the rotator.
func initLogging(logFilename, lvl string, stdout bool) (*pay.LoggerMaker, func(), error) {
	logDirectory := filepath.Dir(logFilename)
	if err := os.MkdirAll(logDirectory, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := pay.NewLoggerMaker(slog.NewBackend(&logWriter{logRotator, stdout}), lvl)
	if err != nil {
		logRotator.Close()
		return nil, nil, err
	}
	return lm, func() { logRotator.Close() }, nil
}
