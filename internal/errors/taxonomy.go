package errors

import (
	stderrors "errors"
	"fmt"
)

// ProvisioningError aborts the whole sweep.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning: %s: %v", e.Op, e.Err)
}

func (e ProvisioningError) Unwrap() error {
	return e.Err
}

// CatalogError aborts the whole sweep.
type CatalogError struct {
	Path string
	Err  error
}

func (e CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e CatalogError) Unwrap() error {
	return e.Err
}

// RunErrorKind classifies a per-run failure. Per-run failures are recorded
// as outcome details and never abort a sweep.
type RunErrorKind string

const (
	KindCrash        RunErrorKind = "crash"
	KindTimeout      RunErrorKind = "timeout"
	KindIntegrity    RunErrorKind = "integrity"
	KindVerification RunErrorKind = "verification"
	KindCollection   RunErrorKind = "collection"
	KindInternal     RunErrorKind = "internal"
)

// RunError is a failure of one (server, client, test case) run.
type RunError struct {
	Kind   RunErrorKind
	Detail string
	Err    error
}

func (e RunError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e RunError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the sweep.
func IsFatal(err error) bool {
	var p ProvisioningError
	var c CatalogError
	return stderrors.As(err, &p) || stderrors.As(err, &c)
}
