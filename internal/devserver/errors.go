package devserver

import "errors"

var (
	// ErrAlreadyStarted is returned by Start and StartAndWatch when the
	// server was started or closed before.
	ErrAlreadyStarted = errors.New("dev server already started")

	// ErrPortResolution reports that no port could be chosen. No process is
	// started.
	ErrPortResolution = errors.New("resolving application port")

	// ErrWatcherConstruction reports that the file watcher could not be
	// created. It is logged and the session closes with WatcherFailureCode.
	ErrWatcherConstruction = errors.New("creating file watcher")

	// ErrWatcherRuntime reports a failure of a running file watcher.
	ErrWatcherRuntime = errors.New("file watcher failed")

	// ErrProcessLaunch reports that the application process could not be
	// started or waited on.
	ErrProcessLaunch = errors.New("running application process")
)

// WatcherFailureCode is passed to the close callback when the file watcher
// cannot be created.
const WatcherFailureCode = 1
