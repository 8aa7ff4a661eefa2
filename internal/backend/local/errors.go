package local

import "errors"

// dependencyUnavailableError signals a missing runtime dependency (e.g.,
// llama.cpp) so callers can report 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

var errUnhealthy = errors.New("executor marked unhealthy")
