package registry

import "fmt"

// ArgumentErrorKind distinguishes why an argument was rejected.
type ArgumentErrorKind int

const (
	ArgumentMissing ArgumentErrorKind = iota
	ArgumentInvalid
)

func (k ArgumentErrorKind) String() string {
	switch k {
	case ArgumentMissing:
		return "missing"
	case ArgumentInvalid:
		return "invalid"
	}
	return fmt.Sprintf("ArgumentErrorKind(%d)", int(k))
}

// ArgumentError is a typed, recoverable argument failure.
type ArgumentError struct {
	Command  string
	Argument string
	Kind     ArgumentErrorKind
	Err      error
}

func (e *ArgumentError) Error() string {
	msg := fmt.Sprintf("%s argument %q", e.Kind, e.Argument)
	if e.Command != "" {
		msg = e.Command + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArgumentError) Unwrap() error { return e.Err }
