// Package errtype classifies errors crossing the bridge's outbound edges
// (Matrix and Letta HTTP calls) into the handful of categories the rest of
// the bridge reacts to differently: retry, relogin-once, remediate-once,
// drop-and-log, or crash.
package errtype

import "errors"

// Category is one of the bridge's error-taxonomy buckets.
type Category int

const (
	// Transient covers network errors and 5xx responses: retry with backoff.
	Transient Category = iota
	// Auth covers 401/expired-token responses: relogin once, then surface as Auth.
	Auth
	// Forbidden covers 403 responses: attempt one remediation (e.g. re-invite),
	// then log and continue.
	Forbidden
	// Conflict covers 409/"already exists" responses: treat as success.
	Conflict
	// NotFound covers 404/missing-resource responses: drop and log, never guess.
	NotFound
	// Fatal covers errors that should only ever occur at startup and should
	// crash the process rather than be handled mid-cycle.
	Fatal
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Forbidden:
		return "forbidden"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// classified wraps an error with its Category. Of and Is read the category
// back through errors.As; Unwrap keeps the original error reachable.
type classified struct {
	category Category
	err      error
}

func (c *classified) Error() string { return c.category.String() + ": " + c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap tags err with a category. A nil err returns nil.
func Wrap(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &classified{category: category, err: err}
}

// Of returns the category attached to err by Wrap, and whether one was found.
func Of(err error) (Category, bool) {
	var c *classified
	if errors.As(err, &c) {
		return c.category, true
	}
	return 0, false
}

// Is reports whether err was wrapped with the given category.
func Is(err error, category Category) bool {
	got, ok := Of(err)
	return ok && got == category
}
