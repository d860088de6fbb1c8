package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoEligibleTypes is returned by ClaimOne when the caller passes an
	// empty eligible-types filter. The supervisor treats this as "nothing to
	// do this tick", not as a connectivity problem.
	ErrNoEligibleTypes = errors.New("no eligible job types")
	// ErrTransient wraps a repository error the supervisor should log and
	// retry on the next tick rather than treat as fatal (connection drops,
	// deadlock retries exhausted by the driver, etc).
	ErrTransient = errors.New("transient repository error")
	// ErrPermanentSchema wraps a repository error that indicates the schema
	// or configuration itself is broken (missing table, bad column) and
	// should stop the agent rather than spin forever.
	ErrPermanentSchema = errors.New("permanent schema error")
)
