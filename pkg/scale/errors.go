package scale

import "errors"

var (
	// ErrSensorRead is returned when the sampler keeps failing after the
	// bounded number of attempts.
	ErrSensorRead = errors.New("sensor read failed")

	// ErrInvalidArgument is returned before any state mutation when an
	// argument or option is out of range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotInitialized is returned by operations called before Initialize.
	ErrNotInitialized = errors.New("scale is not initialized")

	// ErrPersist wraps failures to write the calibration to disk. The
	// in-memory state is unchanged when it is returned.
	ErrPersist = errors.New("failed to persist calibration")
)
