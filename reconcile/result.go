package reconcile

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jmcleod/caadm/pki"
)

// SoftError is a per-item failure. It is logged and counted but does not
// stop the remaining items from being processed.
type SoftError struct {
	// Target names the item, e.g. a certname or "serial 0x0002".
	Target string
	Err    error
}

func (e SoftError) Error() string { return e.Target + ": " + e.Err.Error() }

func (e SoftError) Unwrap() error { return e.Err }

// Result is the outcome of one reconciliation step.
type Result struct {
	// Count is the number of entries removed or files deleted.
	Count  int
	Errors []SoftError
}

func (r *Result) fail(target string, err error) {
	r.Errors = append(r.Errors, SoftError{Target: target, Err: err})
}

// Failed reports whether any item failed.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// Err folds the soft errors into one error, or returns nil.
func (r Result) Err() error {
	var merr *multierror.Error
	for _, e := range r.Errors {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}

// Merge adds o's count and errors to r.
func (r *Result) Merge(o Result) {
	r.Count += o.Count
	r.Errors = append(r.Errors, o.Errors...)
}

// Outcome is the three-way status of a run.
type Outcome int

const (
	// Success means every requested action completed or had nothing to do.
	Success Outcome = iota
	// Partial means the run completed but some items failed.
	Partial
	// Fatal means a precondition failed and nothing was changed.
	Fatal
)

// Process exit codes for each Outcome.
const (
	ExitSuccess = 0
	ExitFatal   = 1
	ExitPartial = 24
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Partial:
		return "partial"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ExitCode maps o to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case Success:
		return ExitSuccess
	case Partial:
		return ExitPartial
	}
	return ExitFatal
}

// OutcomeFor maps the error returned by Run to an Outcome. A nil error
// defers to the report.
func OutcomeFor(report *Report, err error) Outcome {
	if err != nil || report == nil {
		return Fatal
	}
	return report.Outcome()
}

// IsPrecondition reports whether err is one of the hard preconditions that
// abort a run before anything is changed.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrCAOnline) ||
		errors.Is(err, ErrUsage) ||
		errors.Is(err, pki.ErrCRLNotIdentified) ||
		errors.Is(err, pki.ErrKeyMismatch)
}
