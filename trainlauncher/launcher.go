// Package trainlauncher defines the training launcher interface.
package trainlauncher

import (
	"github.com/Gy-Lu/unitab-launcher/trainconfig"
)

// Launcher defines a distributed training launcher.
type Launcher interface {
	// Preflight verifies the run can start: interpreter and entry point
	// resolution, dataset and backend configuration parsing, rendezvous
	// port availability, output directory setup, and remote checkpoint
	// download. Safe to call on its own; "Launch" runs it first.
	Preflight() error

	// Launch starts the training run and blocks until every rank process
	// exits, the timeout fires, or "Stop" is called. Worker exits and the
	// run exit code are recorded into the configuration file. Returns an
	// error for any non-zero outcome.
	Launch() error

	// Stop stops the ongoing launch.
	// This is useful for local development.
	// For example, one may run "Launch" but have to cancel the ongoing
	// run. Then, it can just send syscall.SIGINT to trigger "Stop".
	Stop()

	// LoadConfig reloads configuration from disk to read the latest
	// run configuration and its states.
	LoadConfig() (trainconfig.Config, error)
}
