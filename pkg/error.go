package pkg

import "errors"

// Controller stack errors.
//
// Several of these double as recovery verdicts: the reset engine and the
// device revalidation path return them and the recovery orchestrator decides
// how much of a device's retry budget to consume based on which one it sees.
var (
	// ErrBusy indicates no command slot is available.
	ErrBusy = errors.New("no free command slot")

	// ErrFrozen indicates the port is frozen and not accepting commands.
	ErrFrozen = errors.New("port frozen")

	// ErrNoDevice indicates the device is not present or was replaced.
	ErrNoDevice = errors.New("device not present")

	// ErrDisabled indicates the device was disabled by error handling.
	ErrDisabled = errors.New("device disabled")

	// ErrRetry indicates a transient failure that should be retried
	// without consuming the retry budget.
	ErrRetry = errors.New("try again")

	// ErrIO indicates a hard I/O failure.
	ErrIO = errors.New("i/o error")

	// ErrInvalid indicates an invalid request or unsupported configuration.
	ErrInvalid = errors.New("invalid argument")

	// ErrNotPresent indicates a link or feature is absent and the
	// operation was skipped.
	ErrNotPresent = errors.New("not present")

	// ErrUnstable indicates the physical link did not settle.
	ErrUnstable = errors.New("link not stable")

	// ErrNotSupported indicates an unsupported operation or register.
	ErrNotSupported = errors.New("not supported")

	// ErrTimeout indicates a command or reset deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrIllegalTransition indicates hardware reported a command as still
	// active that the slot table did not consider active.
	ErrIllegalTransition = errors.New("illegal command state transition")

	// ErrStaleHandle indicates a command handle refers to a recycled slot.
	ErrStaleHandle = errors.New("stale command handle")

	// ErrNoDowngrade indicates no further transfer mode or link speed
	// reduction is possible.
	ErrNoDowngrade = errors.New("no downgrade available")

	// ErrUnloading indicates the host is shutting down.
	ErrUnloading = errors.New("host unloading")

	// ErrAlreadyRunning indicates the host is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the host is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)
