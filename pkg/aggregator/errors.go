package aggregator

import (
	"errors"
	"fmt"
)

// AggregationPartialFailure reports a list method that failed or timed out
// for one server. The server stays in the table with no entries of that kind
// and is marked degraded.
type AggregationPartialFailure struct {
	Server string
	Method string
	Err    error
}

func (e *AggregationPartialFailure) Error() string {
	return fmt.Sprintf("aggregator: %s on %q failed: %v", e.Method, e.Server, e.Err)
}

func (e *AggregationPartialFailure) Unwrap() error { return e.Err }

// DuplicateToolError reports an identifier declared twice.
type DuplicateToolError struct {
	Server string
	Name   string
	Kind   Kind
	// Winner is set when the clash is between two servers whose qualified
	// names coincide; it names the server that kept the name.
	Winner string
}

func (e *DuplicateToolError) Error() string {
	if e.Winner != "" && e.Winner != e.Server {
		return fmt.Sprintf("aggregator: %s %q from %q clashes with %q; keeping %q", e.Kind, e.Name, e.Server, e.Winner, e.Winner)
	}
	return fmt.Sprintf("aggregator: %q declares %s %q more than once; keeping the first", e.Server, e.Kind, e.Name)
}

// Report collects the non-fatal problems of one aggregation pass.
type Report struct {
	Failures   []*AggregationPartialFailure
	Duplicates []*DuplicateToolError
}

func (r *Report) merge(other *Report) {
	if other == nil {
		return
	}
	r.Failures = append(r.Failures, other.Failures...)
	r.Duplicates = append(r.Duplicates, other.Duplicates...)
}

// Err joins every problem in the report, or returns nil.
func (r *Report) Err() error {
	if r == nil {
		return nil
	}
	errs := make([]error, 0, len(r.Failures)+len(r.Duplicates))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	for _, d := range r.Duplicates {
		errs = append(errs, d)
	}
	return errors.Join(errs...)
}
