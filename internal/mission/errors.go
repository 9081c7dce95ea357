package mission

import "errors"

var (
	// ErrUnknownMission is returned when a mission id is not registered.
	ErrUnknownMission = errors.New("unknown mission")
	// ErrSpawnFailed wraps adapter subprocess launch failures.
	ErrSpawnFailed = errors.New("harness subprocess spawn failed")
)
