// As this file is very similar in every package, ignore the linter here.
// nolint:dupl
package remate

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/remate/auctiondb"
	"github.com/lightninglabs/remate/book"
	"github.com/lightninglabs/remate/distribute"
	"github.com/lightninglabs/remate/ledger"
	"github.com/lightninglabs/remate/monitoring"
	"github.com/lightninglabs/remate/oracle"
	"github.com/lightninglabs/remate/params"
	"github.com/lightninglabs/remate/schedule"
	"github.com/lightninglabs/remate/scheduler"
	"github.com/lightninglabs/remate/status"
	"github.com/lightninglabs/remate/timer"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

const Subsystem = "SRVR"

var (
	logWriter = build.NewRotatingLogWriter()
	log       = build.NewSubLogger(Subsystem, nil)
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter, intercept signal.Interceptor) {
	genLogger := genSubLogger(root, intercept)

	logWriter = root
	log = build.NewSubLogger(Subsystem, genLogger)

	setSubLogger(root, Subsystem, log, nil)
	addSubLogger(root, "SGNL", intercept, signal.UseLogger)
	addSubLogger(root, auctiondb.Subsystem, intercept, auctiondb.UseLogger)
	addSubLogger(root, book.Subsystem, intercept, book.UseLogger)
	addSubLogger(
		root, distribute.Subsystem, intercept, distribute.UseLogger,
	)
	addSubLogger(root, ledger.Subsystem, intercept, ledger.UseLogger)
	addSubLogger(
		root, monitoring.Subsystem, intercept, monitoring.UseLogger,
	)
	addSubLogger(root, oracle.Subsystem, intercept, oracle.UseLogger)
	addSubLogger(root, params.Subsystem, intercept, params.UseLogger)
	addSubLogger(root, schedule.Subsystem, intercept, schedule.UseLogger)
	addSubLogger(root, scheduler.Subsystem, intercept, scheduler.UseLogger)
	addSubLogger(root, status.Subsystem, intercept, status.UseLogger)
	addSubLogger(root, timer.Subsystem, intercept, timer.UseLogger)
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(root *build.RotatingLogWriter, subsystem string,
	interceptor signal.Interceptor, useLogger func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, genSubLogger(root, interceptor))
	setSubLogger(root, subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a sub
// system.
func setSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLogger func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
