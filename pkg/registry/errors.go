package registry

import (
	"errors"
	"fmt"
)

// ConfigParseError reports a discovery file that exists but is not valid JSON
// or YAML, or does not have the expected shape.
type ConfigParseError struct {
	Source Source
	Path   string
	Err    error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("registry: parse %s config %s: %v", e.Source, e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// ConfigUnreadableError reports a discovery path that exists but cannot be
// read, for example because of permissions or because it is a directory.
type ConfigUnreadableError struct {
	Source Source
	Path   string
	Err    error
}

func (e *ConfigUnreadableError) Error() string {
	return fmt.Sprintf("registry: read %s config %s: %v", e.Source, e.Path, e.Err)
}

func (e *ConfigUnreadableError) Unwrap() error { return e.Err }

// DuplicateServerNameError reports a server name declared twice within one
// source.
type DuplicateServerNameError struct {
	Source Source
	Path   string
	Name   string
}

func (e *DuplicateServerNameError) Error() string {
	return fmt.Sprintf("registry: %s config %s declares server %q more than once", e.Source, e.Path, e.Name)
}

// SourceOf returns the source a registry error belongs to.
func SourceOf(err error) (Source, bool) {
	var parseErr *ConfigParseError
	if errors.As(err, &parseErr) {
		return parseErr.Source, true
	}
	var readErr *ConfigUnreadableError
	if errors.As(err, &readErr) {
		return readErr.Source, true
	}
	var dupErr *DuplicateServerNameError
	if errors.As(err, &dupErr) {
		return dupErr.Source, true
	}
	return "", false
}

// FailedSources lists the sources that contributed an error to err, which is
// typically the joined error returned by Load.
func FailedSources(err error) []Source {
	if err == nil {
		return nil
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	seen := make(map[Source]bool)
	var out []Source
	for _, e := range errs {
		src, ok := SourceOf(e)
		if !ok || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}
