package svc

import "errors"

// ErrNoStrategies is returned when the config enables no signal producers.
var ErrNoStrategies = errors.New("no strategies configured")

// ErrStorageInitFailed wraps journal backend failures.
var ErrStorageInitFailed = errors.New("storage initialization failed")
