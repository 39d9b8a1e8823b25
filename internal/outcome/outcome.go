// Package outcome classifies runs. Each (pair, test case) moves through
// NotRun, Provisioned and Executed to exactly one terminal result.
package outcome

import (
	"fmt"
	"strings"
	"time"

	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/metrics"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/verify"
)

// Result is the terminal classification of a run.
type Result string

const (
	Succeeded   Result = metrics.ResultSucceeded
	Failed      Result = metrics.ResultFailed
	Unsupported Result = metrics.ResultUnsupported
)

// Symbol is the short form used in console output.
func (r Result) Symbol() string {
	switch r {
	case Succeeded:
		return "✓"
	case Unsupported:
		return "?"
	}
	return "✕"
}

// Outcome is the result of one (pair, test case). Values are never modified
// after creation.
type Outcome struct {
	Result Result
	Detail string
	// Value and Unit are set for succeeded measurements.
	Value *float64
	Unit  string
}

func succeeded() Outcome { return Outcome{Result: Succeeded} }

func failed(format string, args ...any) Outcome {
	return Outcome{Result: Failed, Detail: fmt.Sprintf(format, args...)}
}

// Failure turns a per-run error into a failed outcome.
func Failure(err error) Outcome {
	return Outcome{Result: Failed, Detail: err.Error()}
}

// Skipped is the outcome of a pair the test case does not apply to.
func Skipped(reason string) Outcome {
	return Outcome{Result: Unsupported, Detail: reason}
}

// State is a step of the classification state machine.
type State int

const (
	NotRun State = iota
	Provisioned
	Executed
	StateSucceeded
	StateFailed
	StateUnsupported
)

func (s State) String() string {
	switch s {
	case NotRun:
		return "not_run"
	case Provisioned:
		return "provisioned"
	case Executed:
		return "executed"
	case StateSucceeded:
		return string(Succeeded)
	case StateFailed:
		return string(Failed)
	case StateUnsupported:
		return string(Unsupported)
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

func stateOf(r Result) State {
	switch r {
	case Succeeded:
		return StateSucceeded
	case Unsupported:
		return StateUnsupported
	}
	return StateFailed
}

// transitions lists the legal moves. Failure is reachable from every
// non-terminal state so engine errors still yield an outcome; Unsupported is
// reachable without execution for pairs a test case does not apply to.
var transitions = map[State][]State{
	NotRun:      {Provisioned, StateUnsupported, StateFailed},
	Provisioned: {Executed, StateFailed},
	Executed:    {StateSucceeded, StateFailed, StateUnsupported},
}

// Tracker follows one (pair, test case) through the state machine.
type Tracker struct {
	state   State
	outcome *Outcome
}

// NewTracker starts in NotRun.
func NewTracker() *Tracker {
	return &Tracker{}
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Advance moves to a non-terminal state.
func (t *Tracker) Advance(to State) error {
	if to.Terminal() {
		return fmt.Errorf("use Finish to reach %s", to)
	}
	return t.move(to)
}

// Finish records the terminal outcome.
func (t *Tracker) Finish(o Outcome) error {
	if err := t.move(stateOf(o.Result)); err != nil {
		return err
	}
	t.outcome = &o
	return nil
}

// Outcome returns the terminal outcome, if reached.
func (t *Tracker) Outcome() (Outcome, bool) {
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

func (t *Tracker) move(to State) error {
	for _, s := range transitions[t.state] {
		if s == to {
			t.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", t.state, to)
}

// VerifyFunc confirms a nominal success claim.
type VerifyFunc func() verify.Verdict

// Classify derives the outcome of an executed run. verifyClaim is only
// called when the client claimed success and every artifact was collected.
func Classify(art *orch.RunArtifacts, unit string, verifyClaim VerifyFunc) Outcome {
	switch {
	case art.Unsupported():
		return Outcome{Result: Unsupported}
	case art.TimedOut:
		return failed("timed out after %s", art.Elapsed.Round(100*time.Millisecond))
	case art.StartFailed():
		return Failure(art.Err())
	}
	if err := cancelled(art); err != nil {
		return Failure(err)
	}
	switch art.ClientExit {
	case 0:
	case 1:
		return failed("client reported failure (exit code 1)")
	case orch.ExitNotRun:
		return failed("client exit code unknown")
	default:
		detail := fmt.Sprintf("client crashed (exit code %d)", art.ClientExit)
		if art.ServerExit != 0 && art.ServerExit != orch.ExitNotRun && art.ServerExit < 128 {
			detail += fmt.Sprintf(", server exited with code %d", art.ServerExit)
		}
		return Outcome{Result: Failed, Detail: detail}
	}
	if art.CollectionFailed() {
		return Failure(collectionError(art))
	}

	v := verifyClaim()
	if !v.Passed() {
		return Failure(v.Err)
	}
	if unit == "" {
		return succeeded()
	}
	if v.Value == nil {
		return failed("no measurement value")
	}
	value := *v.Value
	return Outcome{Result: Succeeded, Value: &value, Unit: unit, Detail: fmt.Sprintf("%.0f %s", value, unit)}
}

func cancelled(art *orch.RunArtifacts) error {
	for _, err := range art.Errors {
		if re, ok := err.(ierrors.RunError); ok && re.Kind == ierrors.KindInternal {
			return err
		}
	}
	return nil
}

func collectionError(art *orch.RunArtifacts) error {
	var parts []string
	for _, err := range art.Errors {
		if re, ok := err.(ierrors.RunError); ok && re.Kind == ierrors.KindCollection {
			parts = append(parts, re.Detail)
		}
	}
	return ierrors.RunError{Kind: ierrors.KindCollection, Detail: "missing " + strings.Join(parts, ", ")}
}

// AggregateMeasurement combines the outcomes of a measurement's repetitions.
// The first repetition that did not succeed decides the result; otherwise
// the detail is "<mean> (± <stdev>) <unit>".
func AggregateMeasurement(reps []Outcome, unit string) Outcome {
	if len(reps) == 0 {
		return failed("no repetitions")
	}
	values := make([]float64, 0, len(reps))
	for _, o := range reps {
		if o.Result != Succeeded {
			return Outcome{Result: o.Result}
		}
		if o.Value == nil {
			return failed("no measurement value")
		}
		values = append(values, *o.Value)
	}
	mean, stdev := metrics.MeanStdev(values)
	return Outcome{
		Result: Succeeded,
		Value:  &mean,
		Unit:   unit,
		Detail: fmt.Sprintf("%.0f (± %.0f) %s", mean, stdev, unit),
	}
}
