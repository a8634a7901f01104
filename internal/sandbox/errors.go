package sandbox

import "errors"

var (
	// ErrConnection means a sandbox could not be created or reached.
	ErrConnection = errors.New("sandbox connection failed")

	// ErrNotFound means the referenced sandbox does not exist.
	ErrNotFound = errors.New("sandbox not found")

	// ErrTimeout means a sandbox operation ran out of time.
	ErrTimeout = errors.New("sandbox operation timed out")

	// ErrFileOperation means a file primitive failed inside the sandbox.
	ErrFileOperation = errors.New("sandbox file operation failed")

	// ErrCommandExecution means a command could not be run at all.
	ErrCommandExecution = errors.New("sandbox command execution failed")
)
