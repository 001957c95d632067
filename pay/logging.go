// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pay

import (
	"fmt"
	"io"

	"github.com/decred/slog"
)

// Every engine constructor will accept a Logger. All logging should take
// place through the provided logger.
type Logger interface {
	slog.Logger
	// SubLogger creates a new Logger for a subsystem, sharing the parent's
	// backend and level configuration.
	SubLogger(name string) Logger
}

// logger wraps a slog.Logger with the backend and level map needed to spawn
// subloggers.
type logger struct {
	slog.Logger
	name    string
	levels  map[string]slog.Level
	backend *slog.Backend
}

// SubLogger creates a new Logger for the subsystem with the combined name
// "parent[name]". An explicitly configured level for the combined name takes
// precedence over the parent's level.
func (lgr *logger) SubLogger(name string) Logger {
	combinedName := fmt.Sprintf("%s[%s]", lgr.name, name)
	newLgr := lgr.backend.Logger(combinedName)
	newLgr.SetLevel(lgr.Level())
	if lvl, found := lgr.levels[combinedName]; found {
		newLgr.SetLevel(lvl)
	}
	return &logger{
		Logger:  newLgr,
		name:    combinedName,
		levels:  lgr.levels,
		backend: lgr.backend,
	}
}

// Disabled is a Logger that discards all output.
var Disabled Logger = &logger{
	Logger:  slog.Disabled,
	backend: slog.NewBackend(io.Discard),
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker creates a LoggerMaker with the specified backend and a
// default level parsed from lvl.
func NewLoggerMaker(be *slog.Backend, lvl string) (*LoggerMaker, error) {
	level, ok := slog.LevelFromString(lvl)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	return &LoggerMaker{
		Backend:      be,
		DefaultLevel: level,
		Levels:       make(map[string]slog.Level),
	}, nil
}

// levelFor returns the explicitly configured level for the subsystem, else
// the DefaultLevel.
func (lm *LoggerMaker) levelFor(name string) slog.Level {
	if level, ok := lm.Levels[name]; ok {
		return level
	}
	return lm.DefaultLevel
}

// newLogger wraps a named slog logger at the given level.
func (lm *LoggerMaker) newLogger(name string, lvl slog.Level) Logger {
	lgr := lm.Backend.Logger(name)
	lgr.SetLevel(lvl)
	return &logger{
		Logger:  lgr,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	return lm.newLogger(fmt.Sprintf("%s[%s]", parent, name), lm.levelFor(parent))
}

// Logger creates a named Logger at the level configured for the subsystem,
// falling back to the DefaultLevel.
func (lm *LoggerMaker) Logger(name string) Logger {
	return lm.newLogger(name, lm.levelFor(name))
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the
// DefaultLevel is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	return lm.newLogger(name, lvl)
}
