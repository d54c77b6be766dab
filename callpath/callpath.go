// Package callpath parses dotted call paths such as "user.find" into the
// service and method they address.
package callpath

import (
	"strings"

	"dotrpc/message"
)

// DefaultDelimiter separates the service and method segments.
const DefaultDelimiter = "."

// ReservedPrefix marks methods that can never be called remotely.
const ReservedPrefix = "_"

// CallPath is the parsed form of a raw call path.
type CallPath struct {
	Service   string
	Method    string
	Remainder []string // segments after the method, unused by dispatch
}

// String joins the path back with the default delimiter.
func (p CallPath) String() string {
	return strings.Join(append([]string{p.Service, p.Method}, p.Remainder...), DefaultDelimiter)
}

// PathError reports a malformed path. Kind is the wire token returned to
// the caller.
type PathError struct {
	Raw  string
	Kind error
}

func (e *PathError) Error() string {
	return e.Kind.Error()
}

// Unwrap exposes the kind. A path without a method segment is malformed as a
// whole and missing its method at the same time, so it matches both
// message.ErrMissingMethod and message.ErrInvalidPath.
func (e *PathError) Unwrap() []error {
	if e.Kind == message.ErrMissingMethod {
		return []error{message.ErrMissingMethod, message.ErrInvalidPath}
	}
	return []error{e.Kind}
}

// Split cuts raw on delimiter without validating anything.
// An empty delimiter means DefaultDelimiter.
func Split(raw, delimiter string) []string {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return strings.Split(raw, delimiter)
}

// Parse validates raw and returns its CallPath.
func Parse(raw, delimiter string) (CallPath, error) {
	if strings.TrimSpace(raw) == "" {
		return CallPath{}, &PathError{Raw: raw, Kind: message.ErrInvalidPath}
	}

	segments := Split(raw, delimiter)
	if len(segments) < 2 {
		return CallPath{}, &PathError{Raw: raw, Kind: message.ErrMissingMethod}
	}
	if segments[0] == "" {
		return CallPath{}, &PathError{Raw: raw, Kind: message.ErrInvalidPath}
	}
	if !ValidMethod(segments[1]) {
		return CallPath{}, &PathError{Raw: raw, Kind: message.ErrInvalidMethod}
	}

	return CallPath{
		Service:   segments[0],
		Method:    segments[1],
		Remainder: segments[2:],
	}, nil
}

// ValidMethod reports whether name may be invoked remotely.
func ValidMethod(name string) bool {
	return strings.TrimSpace(name) != "" && !strings.HasPrefix(name, ReservedPrefix)
}
