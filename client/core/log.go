// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"cashport.org/cashport/client/feed"
	"cashport.org/cashport/pay"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests it.
var log = pay.Disabled

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = pay.Disabled
}

// UseLoggerMaker uses the LoggerMaker for package logging, and assigns
// subsystem loggers to the packages core drives.
func UseLoggerMaker(maker *pay.LoggerMaker) {
	log = maker.Logger("CORE")
	feed.UseLogger(maker.Logger("FEED"))
}
